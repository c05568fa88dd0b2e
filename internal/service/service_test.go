package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/volback/internal/config"
	"github.com/MimeLyc/volback/internal/engine"
	"github.com/MimeLyc/volback/internal/jobs"
	"github.com/MimeLyc/volback/internal/ledger"
	"github.com/MimeLyc/volback/internal/metrics"
	"github.com/MimeLyc/volback/internal/volume"
	"github.com/MimeLyc/volback/pkg/file"
	"github.com/MimeLyc/volback/pkg/log"
)

const (
	wdUUID  = "0142FD6F-7AE2-4DE3-875E-A2FFE1A9EEC1"
	usbUUID = "7D444840-9DC0-11D1-B245-5FFDCE74FAD2"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fakeDriver struct {
	mu        sync.Mutex
	root      string
	states    map[string]volume.Status
	failMount map[string]bool
	mounts    map[string]int
	unmounts  map[string]int
}

func newFakeDriver(root string) *fakeDriver {
	return &fakeDriver{
		root:      root,
		states:    make(map[string]volume.Status),
		failMount: make(map[string]bool),
		mounts:    make(map[string]int),
		unmounts:  make(map[string]int),
	}
}

func (f *fakeDriver) Probe(_ context.Context, uuid string) (volume.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[uuid]; ok {
		return st, nil
	}
	return volume.Unknown(), nil
}

func (f *fakeDriver) Mount(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts[uuid]++
	if f.failMount[uuid] {
		return errors.New("mount refused")
	}
	f.states[uuid] = volume.Mounted(f.mountPath(uuid))
	return nil
}

func (f *fakeDriver) Unmount(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts[uuid]++
	f.states[uuid] = volume.Unmounted()
	return nil
}

func (f *fakeDriver) mountPath(uuid string) string {
	return filepath.Join(f.root, uuid)
}

func (f *fakeDriver) state(uuid string) volume.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[uuid].State
}

type fakeEngine struct {
	mu        sync.Mutex
	backups   []engine.BackupRequest
	forgets   []string
	keeps     [][]string
	failPaths map[string]bool
	forgetErr error
	snapshots string
	onBackup  func(engine.BackupRequest)
}

func (e *fakeEngine) Backup(_ context.Context, req engine.BackupRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backups = append(e.backups, req)
	if e.onBackup != nil {
		e.onBackup(req)
	}
	if e.failPaths[req.Path] {
		return fmt.Errorf("restic backup %s: exit status 1", req.Path)
	}
	return nil
}

func (e *fakeEngine) Forget(_ context.Context, repository string, keep []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgets = append(e.forgets, repository)
	e.keeps = append(e.keeps, keep)
	return e.forgetErr
}

func (e *fakeEngine) Snapshots(_ context.Context, repository string) (string, error) {
	return e.snapshots, nil
}

func (e *fakeEngine) backedUpPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ret := make([]string, 0, len(e.backups))
	for _, req := range e.backups {
		ret = append(ret, req.Path)
	}
	return ret
}

type memHistory struct {
	mu   sync.Mutex
	runs []*jobs.UnitRun
}

func (m *memHistory) RecordRun(_ context.Context, run *jobs.UnitRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memHistory) ListRuns(_ context.Context, limit int) ([]*jobs.UnitRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*jobs.UnitRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && len(ret) < limit; i-- {
		ret = append(ret, m.runs[i])
	}
	return ret, nil
}

func (m *memHistory) byStatus(status jobs.Status) []*jobs.UnitRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ret []*jobs.UnitRun
	for _, run := range m.runs {
		if run.Status == status {
			ret = append(ret, run)
		}
	}
	return ret
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type harness struct {
	svc      *Service
	cfg      *config.Config
	drv      *fakeDriver
	eng      *fakeEngine
	store    *ledger.MemoryStore
	history  *memHistory
	clock    *testclock.Clock
	recorder *metrics.PrometheusRecorder
	notifier *fakeNotifier
	base     string
	lockDir  string
}

func newHarness(t *testing.T, initial ledger.Entries) *harness {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "home")
	for _, dir := range []string{"Documents", "Music", "Photos", "go", "old"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, dir), 0o755))
	}

	content := fmt.Sprintf(`
host: laptop
restic_password: secret
volumes:
  wd: %s
  usb: %s
repos:
  docs: {volume: wd, freq: daily, base: %s, dirs: [Documents, Music, Photos]}
  src: {volume: wd, freq: hourly, base: %s, dirs: [go]}
  archive: {volume: usb, freq: weekly, base: %s, dirs: [old]}
`, wdUUID, usbUUID, base, base, base)
	cfg, err := config.Parse([]byte(content), filepath.Join(root, "backups.yml"))
	require.NoError(t, err)

	h := &harness{
		cfg:      cfg,
		drv:      newFakeDriver(filepath.Join(root, "Volumes")),
		eng:      &fakeEngine{failPaths: make(map[string]bool)},
		store:    ledger.NewMemoryStore(initial),
		history:  &memHistory{},
		clock:    testclock.NewClock(t0),
		recorder: metrics.NewPrometheusRecorder(nil),
		notifier: &fakeNotifier{},
		base:     base,
		lockDir:  filepath.Join(root, "state"),
	}
	h.drv.states[wdUUID] = volume.Unmounted()
	h.drv.states[usbUUID] = volume.Unmounted()

	h.svc, err = New(cfg, Deps{
		Ledger: h.store,
		Engine: h.eng,
		Open: VolumeOpener(volume.Options{
			LockDir: h.lockDir,
			Driver:  h.drv,
			Clock:   h.clock,
			Logger:  log.Discard(),
		}),
		Notifier: h.notifier,
		Metrics:  h.recorder,
		History:  h.history,
		Logger:   log.Discard(),
		Clock:    h.clock,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) path(unit string) string {
	return filepath.Join(h.base, unit)
}

func (h *harness) lockPath(uuid string) string {
	return filepath.Join(h.lockDir, uuid+".lock")
}

func (h *harness) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), h.store, h.clock)
	require.NoError(t, err)
	return l
}

func TestNew_RequiresDependencies(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(cfg, Deps{})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrConfig))

	_, err = New(nil, Deps{})
	require.Error(t, err)
}

func TestBackup_AllDue(t *testing.T) {
	h := newHarness(t, nil)

	summary, err := h.svc.Backup(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, summary.OK)
	assert.False(t, summary.NothingDue)
	require.Len(t, summary.Repos, 3)

	assert.Equal(t, []string{
		h.path("old"),
		h.path("Documents"),
		h.path("Music"),
		h.path("Photos"),
		h.path("go"),
	}, h.eng.backedUpPaths())
	assert.Equal(t, filepath.Join(h.drv.mountPath(wdUUID), "docs"), h.eng.backups[1].Repository)
	assert.Equal(t, "laptop", h.eng.backups[1].Host)

	assert.Equal(t, []string{
		filepath.Join(h.drv.mountPath(usbUUID), "archive"),
		filepath.Join(h.drv.mountPath(wdUUID), "docs"),
		filepath.Join(h.drv.mountPath(wdUUID), "src"),
	}, h.eng.forgets)
	assert.Equal(t, []string{"--keep-hourly", "0", "--keep-daily", "1", "--keep-weekly", "4", "--keep-monthly", "4"}, h.eng.keeps[0])
	assert.Equal(t, []string{"--keep-hourly", "18", "--keep-daily", "6", "--keep-weekly", "4", "--keep-monthly", "4"}, h.eng.keeps[2])

	// One physical mount per volume, shared by both repositories on wd.
	assert.Equal(t, 1, h.drv.mounts[wdUUID])
	assert.Equal(t, 1, h.drv.unmounts[wdUUID])
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))
	assert.Equal(t, volume.StateUnmounted, h.drv.state(usbUUID))
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
	assert.False(t, file.Exists(h.lockPath(usbUUID)))

	l := h.ledger(t)
	for _, pair := range [][2]string{{"docs", "Documents"}, {"docs", "Music"}, {"docs", "Photos"}, {"src", "go"}, {"archive", "old"}} {
		last, ok := l.LastRun(pair[0], pair[1])
		require.True(t, ok, "%s/%s", pair[0], pair[1])
		assert.True(t, last.Equal(t0))
	}
	assert.Len(t, h.history.byStatus(jobs.StatusSuccess), 8)
}

func TestBackup_NothingDueDoesNotMount(t *testing.T) {
	recent := t0.Add(-10 * time.Minute)
	h := newHarness(t, ledger.Entries{
		"docs":    {"Documents": recent, "Music": recent, "Photos": recent},
		"src":     {"go": recent},
		"archive": {"old": recent},
	})
	h.drv.states[wdUUID] = volume.Mounted(h.drv.mountPath(wdUUID))

	summary, err := h.svc.Backup(context.Background(), Options{ForceUnmount: true, Notify: true})
	require.NoError(t, err)
	assert.True(t, summary.OK)
	assert.True(t, summary.NothingDue)
	assert.Empty(t, h.eng.backups)
	assert.Empty(t, h.eng.forgets)
	assert.Zero(t, h.drv.mounts[wdUUID]+h.drv.mounts[usbUUID])
	assert.Zero(t, h.drv.unmounts[wdUUID])
	assert.Equal(t, volume.StateMounted, h.drv.state(wdUUID))
	assert.Empty(t, h.notifier.messages)
}

func TestBackup_OneFailingUnitOfThree(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.failPaths[h.path("Music")] = true

	summary, err := h.svc.Backup(context.Background(), Options{Repos: []string{"docs"}})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	require.Len(t, summary.Repos, 1)

	result := summary.Repos[0]
	assert.Equal(t, []string{"Documents", "Photos"}, result.Succeeded)
	assert.Equal(t, []string{"Music"}, result.Failed)
	assert.True(t, result.Pruned)
	assert.False(t, result.OK())
	assert.Len(t, h.eng.forgets, 1)

	l := h.ledger(t)
	_, ok := l.LastRun("docs", "Documents")
	assert.True(t, ok)
	_, ok = l.LastRun("docs", "Photos")
	assert.True(t, ok)
	assert.Equal(t, ledger.Never, l.Elapsed("docs", "Music"))

	failed := h.history.byStatus(jobs.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "Music", failed[0].Unit)
	assert.Contains(t, failed[0].Error, "exit status 1")
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))
}

func TestBackup_DetachedVolumeFailsOnlyItsRepos(t *testing.T) {
	h := newHarness(t, nil)
	delete(h.drv.states, usbUUID)

	summary, err := h.svc.Backup(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, summary.OK)

	require.Len(t, summary.Repos, 3)
	archive := summary.Repos[0]
	assert.Equal(t, "archive", archive.Name)
	assert.True(t, IsErrorType(archive.Err, ErrVolume))
	assert.NotContains(t, h.eng.backedUpPaths(), h.path("old"))
	assert.True(t, summary.Repos[1].OK())
	assert.True(t, summary.Repos[2].OK())

	skipped := h.history.byStatus(jobs.StatusSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "archive", skipped[0].Job)
}

func TestBackup_MountFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.failMount[usbUUID] = true

	summary, err := h.svc.Backup(context.Background(), Options{Devices: []string{"usb"}})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	require.Len(t, summary.Repos, 1)
	assert.True(t, IsErrorType(summary.Repos[0].Err, ErrVolume))
	assert.Empty(t, h.eng.backups)
}

func TestBackup_VolumeLockedByAnotherRun(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.states[wdUUID] = volume.Mounted(h.drv.mountPath(wdUUID))
	require.NoError(t, os.MkdirAll(h.lockDir, 0o755))
	require.NoError(t, os.WriteFile(h.lockPath(wdUUID), nil, 0o644))

	summary, err := h.svc.Backup(context.Background(), Options{Devices: []string{"wd"}})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	require.Len(t, summary.Repos, 2)
	for _, result := range summary.Repos {
		assert.True(t, IsErrorType(result.Err, ErrVolume), result.Name)
	}
	assert.Empty(t, h.eng.backups)

	// The other run still owns the lock and the mount.
	assert.True(t, file.Exists(h.lockPath(wdUUID)))
	assert.Equal(t, volume.StateMounted, h.drv.state(wdUUID))
	assert.Zero(t, h.drv.unmounts[wdUUID])
}

func TestBackup_LockHeldWhileRepoRuns(t *testing.T) {
	h := newHarness(t, nil)
	var lockedDuring []bool
	h.eng.onBackup = func(engine.BackupRequest) {
		lockedDuring = append(lockedDuring, file.Exists(h.lockPath(wdUUID)))
	}

	_, err := h.svc.Backup(context.Background(), Options{Devices: []string{"wd"}})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true}, lockedDuring)
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
}

func TestBackup_AlreadyMountedVolumeStaysMounted(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.states[wdUUID] = volume.Mounted(h.drv.mountPath(wdUUID))

	summary, err := h.svc.Backup(context.Background(), Options{Devices: []string{"wd"}})
	require.NoError(t, err)
	assert.True(t, summary.OK)
	assert.Zero(t, h.drv.mounts[wdUUID])
	assert.Zero(t, h.drv.unmounts[wdUUID])
	assert.Equal(t, volume.StateMounted, h.drv.state(wdUUID))
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
}

func TestBackup_ForceUnmount(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.states[wdUUID] = volume.Mounted(h.drv.mountPath(wdUUID))

	_, err := h.svc.Backup(context.Background(), Options{Devices: []string{"wd"}, ForceUnmount: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.drv.unmounts[wdUUID])
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))
}

func TestBackup_PruneFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.forgetErr = errors.New("repository is already locked")

	summary, err := h.svc.Backup(context.Background(), Options{Repos: []string{"src"}})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	require.Len(t, summary.Repos, 1)
	assert.Equal(t, []string{"go"}, summary.Repos[0].Succeeded)
	assert.False(t, summary.Repos[0].Pruned)

	_, ok := h.ledger(t).LastRun("src", "go")
	assert.True(t, ok)
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))

	failed := h.history.byStatus(jobs.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, jobs.KindPrune, failed[0].Kind)
}

func TestBackup_LedgerFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.store.FailSaves(errors.New("disk full"))

	_, err := h.svc.Backup(context.Background(), Options{Repos: []string{"docs"}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, IsErrorType(err, ErrLedger))
	assert.Len(t, h.eng.backups, 1)
	assert.Empty(t, h.eng.forgets)

	assert.False(t, file.Exists(h.lockPath(wdUUID)))
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))
}

func TestBackup_DueCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	opts := Options{Devices: []string{"wd"}}

	_, err := h.svc.Backup(ctx, opts)
	require.NoError(t, err)
	assert.Len(t, h.eng.backups, 4)

	h.clock.Advance(2 * time.Hour)
	h.eng.backups = nil
	_, err = h.svc.Backup(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{h.path("go")}, h.eng.backedUpPaths())

	h.clock.Advance(10 * time.Minute)
	h.eng.backups = nil
	summary, err := h.svc.Backup(ctx, opts)
	require.NoError(t, err)
	assert.True(t, summary.NothingDue)
	assert.Empty(t, h.eng.backups)

	h.clock.Advance(22 * time.Hour)
	h.eng.backups = nil
	_, err = h.svc.Backup(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{h.path("Documents"), h.path("Music"), h.path("Photos"), h.path("go")}, h.eng.backedUpPaths())
}

func TestBackup_ExcludeFiles(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(h.cfg.ExcludeFile, []byte("*.tmp\n"), 0o644))
	unitExcludes := filepath.Join(h.path("Documents"), ".excludes")
	require.NoError(t, os.WriteFile(unitExcludes, []byte("cache\n"), 0o644))

	_, err := h.svc.Backup(context.Background(), Options{Repos: []string{"docs"}})
	require.NoError(t, err)
	require.Len(t, h.eng.backups, 3)
	assert.Equal(t, []string{h.cfg.ExcludeFile, unitExcludes}, h.eng.backups[0].ExcludeFiles)
	assert.Equal(t, []string{h.cfg.ExcludeFile}, h.eng.backups[1].ExcludeFiles)
}

func TestBackup_NotifiesAndWritesMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.MetricsTextfile = filepath.Join(t.TempDir(), "volback.prom")
	h.eng.failPaths[h.path("old")] = true

	summary, err := h.svc.Backup(context.Background(), Options{Notify: true})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	assert.Equal(t, []string{"Done backup with some error"}, h.notifier.messages)

	data, err := os.ReadFile(h.cfg.MetricsTextfile)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `volback_unit_backup_results_total{job="archive",outcome="failed",unit="old"} 1`)
	assert.Contains(t, text, `volback_repo_outcomes_total{job="docs",outcome="success"} 1`)
	assert.Contains(t, text, `volback_run_last_outcome{outcome="failed"} 1`)
}

func TestBackup_CanceledContextStopsUnits(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.eng.onBackup = func(engine.BackupRequest) { cancel() }

	summary, err := h.svc.Backup(ctx, Options{Repos: []string{"docs"}})
	require.NoError(t, err)
	assert.False(t, summary.OK)
	assert.Len(t, h.eng.backups, 1)
	assert.False(t, file.Exists(h.lockPath(wdUUID)))
	assert.Equal(t, volume.StateUnmounted, h.drv.state(wdUUID))
}

func TestBackup_UnknownFiltersSelectNothing(t *testing.T) {
	h := newHarness(t, nil)

	summary, err := h.svc.Backup(context.Background(), Options{Repos: []string{"nope"}})
	require.NoError(t, err)
	assert.True(t, summary.NothingDue)
	assert.Empty(t, h.eng.backups)
}

func TestSummaryMessage(t *testing.T) {
	assert.Equal(t, "Done backup without errors", Summary{OK: true}.Message())
	assert.Equal(t, "Done backup with some error", Summary{}.Message())
}

func TestRepoResultOK(t *testing.T) {
	assert.True(t, RepoResult{}.OK())
	assert.True(t, RepoResult{Due: []string{"a"}, Succeeded: []string{"a"}, Pruned: true}.OK())
	assert.False(t, RepoResult{Due: []string{"a"}, Succeeded: []string{"a"}}.OK())
	assert.False(t, RepoResult{Due: []string{"a"}, Failed: []string{"a"}, Pruned: true}.OK())
	assert.True(t, strings.HasPrefix(RepoResult{Name: "docs"}.String(), "docs:"))
}
