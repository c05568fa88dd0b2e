// Package service runs backups of configured repositories onto removable
// volumes.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/volback/internal/config"
	"github.com/MimeLyc/volback/internal/engine"
	"github.com/MimeLyc/volback/internal/jobs"
	"github.com/MimeLyc/volback/internal/ledger"
	"github.com/MimeLyc/volback/internal/metrics"
	"github.com/MimeLyc/volback/internal/notify"
	"github.com/MimeLyc/volback/internal/repo"
	"github.com/MimeLyc/volback/pkg/file"
	"github.com/MimeLyc/volback/pkg/log"
)

// unitExcludeFile is looked up in every unit directory.
const unitExcludeFile = ".excludes"

type Service struct {
	cfg    *config.Config
	deps   Deps
	logger *log.Logger
	clock  clock.Clock
	group  singleflight.Group
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, NewError(ErrConfig, "config is nil")
	}
	if deps.Ledger == nil {
		return nil, NewError(ErrConfig, "ledger store is required")
	}
	if deps.Engine == nil {
		return nil, NewError(ErrConfig, "backup engine is required")
	}
	if deps.Open == nil {
		return nil, NewError(ErrConfig, "volume opener is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.History == nil {
		deps.History = jobs.NopStore{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		clock:  deps.Clock,
	}, nil
}

// boundRepo is a configured repository whose volume was opened for this run.
type boundRepo struct {
	*repo.Repo
	device Device
}

// Backup runs one pass over every selected repository. The returned error is
// only set for fatal conditions; per-repository failures are reported in the
// summary.
func (s *Service) Backup(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{StartedAt: s.clock.Now()}

	l, err := ledger.Open(ctx, s.deps.Ledger, s.clock)
	if err != nil {
		return summary, WrapError(err, ErrLedger, "could not load ledger")
	}

	devices, order, err := s.openVolumes(ctx, opts.Devices)
	if err != nil {
		return summary, err
	}
	repos := s.selectRepos(devices, opts.Repos)
	s.logger.Debug("Volumes: %v", order)
	s.logger.Debug("Repos: %d selected", len(repos))

	due := make(map[string][]string, len(repos))
	anyDue := false
	for _, r := range repos {
		d := r.DueUnits(l)
		s.logger.Debug("Backup %s: %d/%d due directories", r.Name, len(d), len(r.Units))
		due[r.Name] = d
		anyDue = anyDue || len(d) > 0
	}
	if !anyDue {
		s.logger.Info("Nothing to do yet")
		summary.OK = true
		summary.NothingDue = true
		summary.FinishedAt = s.clock.Now()
		return summary, nil
	}

	s.logger.Info("Running backup")

	// Mount every volume with due work once up front so repositories sharing
	// it reuse a single physical mount.
	bracket := make([]Device, 0, len(order))
	for _, name := range order {
		dev := devices[name]
		if !hasDueRepo(repos, due, name) {
			continue
		}
		if dev.Mount(ctx) {
			bracket = append(bracket, dev)
		}
	}

	summary.OK = true
	for _, r := range repos {
		result, err := s.backupRepo(ctx, l, r, due[r.Name])
		summary.Repos = append(summary.Repos, result)
		if err != nil {
			s.logger.Error("Backup of %s aborted: %v", r.Name, err)
			// A lock fault leaves the volumes as they are for the operator.
			if !IsErrorType(err, ErrLock) {
				_ = s.releaseBracket(context.WithoutCancel(ctx), bracket)
			}
			return summary, err
		}
		if !result.OK() {
			summary.OK = false
		}
		s.deps.Metrics.IncRepoOutcome(r.Name, outcomeOf(result))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.releaseBracket(cleanupCtx, bracket); err != nil {
		return summary, err
	}
	if opts.ForceUnmount {
		if err := s.forceUnmount(cleanupCtx, devices, order); err != nil {
			return summary, err
		}
	}

	summary.FinishedAt = s.clock.Now()
	s.finish(ctx, summary, opts)
	return summary, nil
}

// backupRepo backs up the due units of one repository, applies retention and
// releases the volume. Only fatal errors are returned; everything else is
// recorded in the result.
func (s *Service) backupRepo(ctx context.Context, l *ledger.Ledger, r boundRepo, due []string) (result RepoResult, err error) {
	result = RepoResult{Name: r.Name, Volume: r.Volume, Due: due}
	if len(due) == 0 {
		return result, nil
	}

	dev := r.device
	if !dev.Mount(ctx) {
		result.Err = NewError(ErrVolume, "could not mount volume").WithContext("volume", dev.Name())
		s.logger.Error("Backup of %s: %v", r.Name, result.Err)
		s.skipUnits(ctx, r, due, "volume not mounted")
		return result, nil
	}

	locked, err := dev.AcquireLock()
	if err != nil {
		return result, WrapError(err, ErrLock, "could not lock volume").WithContext("volume", dev.Name())
	}
	if !locked {
		result.Err = NewError(ErrVolume, "volume is locked or not mounted").WithContext("volume", dev.Name())
		s.logger.Error("Backup of %s: %v", r.Name, result.Err)
		s.skipUnits(ctx, r, due, "volume locked")
		if _, uerr := dev.Unmount(context.WithoutCancel(ctx)); uerr != nil {
			return result, WrapError(uerr, ErrLock, "could not release volume").WithContext("volume", dev.Name())
		}
		return result, nil
	}
	defer func() {
		if rerr := s.releaseDevice(context.WithoutCancel(ctx), dev); rerr != nil && err == nil {
			err = rerr
		}
	}()

	s.logger.Debug("Backup %s: volume ok", r.Name)
	repository := r.Location(dev.Path())
	excludes := s.globalExcludes()

	for _, unit := range due {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result, nil
		}
		path := r.UnitPath(unit)
		run := jobs.NewRun(jobs.KindBackup, r.Name, unit, dev.Name(), s.clock.Now())

		berr := s.deps.Engine.Backup(ctx, engine.BackupRequest{
			Repository:   repository,
			Host:         s.cfg.Host,
			ExcludeFiles: unitExcludes(excludes, path),
			Path:         path,
		})
		if berr != nil {
			berr = WrapError(berr, ErrEngine, "backup failed").WithContext("path", path)
			result.Failed = append(result.Failed, unit)
			s.logger.Error("Backup of %s into %s. Error! %v", path, r.Name, berr)
		} else {
			if lerr := l.RecordSuccess(context.WithoutCancel(ctx), r.Name, unit); lerr != nil {
				s.recordRun(ctx, run.Finish(s.clock.Now(), lerr))
				return result, WrapError(lerr, ErrLedger, "could not record backup").WithContext("path", path)
			}
			result.Succeeded = append(result.Succeeded, unit)
			s.deps.Metrics.SetLastSuccess(r.Name, unit, s.clock.Now())
			s.logger.Info("Backup of %s into %s. Done.", path, r.Name)
		}
		run.Finish(s.clock.Now(), berr)
		s.deps.Metrics.ObserveUnitBackup(r.Name, unit, run.Duration(), metrics.OutcomeOf(berr == nil))
		s.recordRun(ctx, run)
	}

	run := jobs.NewRun(jobs.KindPrune, r.Name, "", dev.Name(), s.clock.Now())
	ferr := s.deps.Engine.Forget(ctx, repository, r.Retention().Args())
	if ferr != nil {
		ferr = WrapError(ferr, ErrRetention, "forget failed").WithContext("repository", repository)
		s.logger.Error("Cleaning of %s. Error! %v", r.Name, ferr)
	} else {
		result.Pruned = true
		s.logger.Info("Cleaning of %s. Done.", r.Name)
	}
	s.deps.Metrics.IncPrune(r.Name, metrics.OutcomeOf(ferr == nil))
	s.recordRun(ctx, run.Finish(s.clock.Now(), ferr))
	return result, nil
}

// releaseDevice drops the repository's lock and mount reference.
func (s *Service) releaseDevice(ctx context.Context, dev Device) error {
	if err := dev.ReleaseLock(); err != nil {
		return WrapError(err, ErrLock, "could not unlock volume").WithContext("volume", dev.Name())
	}
	ok, err := dev.Unmount(ctx)
	if err != nil {
		return WrapError(err, ErrLock, "could not release volume").WithContext("volume", dev.Name())
	}
	if !ok {
		s.logger.Warn("Volume %s could not be unmounted", dev.Name())
	}
	return nil
}

func (s *Service) releaseBracket(ctx context.Context, bracket []Device) error {
	for _, dev := range bracket {
		if _, err := dev.Unmount(ctx); err != nil {
			return WrapError(err, ErrLock, "could not release volume").WithContext("volume", dev.Name())
		}
	}
	return nil
}

func (s *Service) forceUnmount(ctx context.Context, devices map[string]Device, order []string) error {
	for _, name := range order {
		dev := devices[name]
		ok, err := dev.ForceUnmount(ctx)
		if err != nil {
			return WrapError(err, ErrLock, "could not unmount volume").WithContext("volume", name)
		}
		if !ok {
			s.logger.Warn("Volume %s could not be unmounted", name)
		}
	}
	return nil
}

// openVolumes probes the configured volumes, limited to filter when set.
// Names are returned sorted.
func (s *Service) openVolumes(ctx context.Context, filter []string) (map[string]Device, []string, error) {
	for _, name := range filter {
		if _, ok := s.cfg.Volumes[name]; !ok {
			s.logger.Warn("Unknown volume %s", name)
		}
	}

	devices := make(map[string]Device)
	order := make([]string, 0, len(s.cfg.Volumes))
	for _, name := range s.cfg.VolumeNames() {
		if len(filter) > 0 && !slices.Contains(filter, name) {
			continue
		}
		dev, err := s.deps.Open(ctx, name, s.cfg.Volumes[name])
		if err != nil {
			return nil, nil, WrapError(err, ErrLock, "could not open volume").WithContext("volume", name)
		}
		devices[name] = dev
		order = append(order, name)
	}
	return devices, order, nil
}

// selectRepos binds configured repositories to opened volumes. Repositories
// whose volume was filtered out are dropped.
func (s *Service) selectRepos(devices map[string]Device, filter []string) []boundRepo {
	for _, name := range filter {
		if _, ok := s.cfg.Repos[name]; !ok {
			s.logger.Warn("Unknown repo %s", name)
		}
	}

	ret := make([]boundRepo, 0, len(s.cfg.Repos))
	for _, name := range s.cfg.RepoNames() {
		rc := s.cfg.Repos[name]
		dev, ok := devices[rc.Volume]
		if !ok {
			continue
		}
		if len(filter) > 0 && !slices.Contains(filter, name) {
			continue
		}
		freq, ok := repo.ParseFrequency(rc.Freq)
		if !ok && rc.Freq != "" {
			s.logger.Warn("Repo %s: unknown frequency %q, using %s", name, rc.Freq, freq)
		}
		ret = append(ret, boundRepo{
			Repo: &repo.Repo{
				Name:      name,
				Volume:    rc.Volume,
				Frequency: freq,
				Base:      rc.Base,
				Units:     rc.Dirs,
			},
			device: dev,
		})
	}
	return ret
}

func (s *Service) globalExcludes() []string {
	if s.cfg.ExcludeFile != "" && file.Exists(s.cfg.ExcludeFile) {
		return []string{s.cfg.ExcludeFile}
	}
	return nil
}

func unitExcludes(global []string, path string) []string {
	ret := slices.Clone(global)
	ef := filepath.Join(path, unitExcludeFile)
	if file.Exists(ef) {
		ret = append(ret, ef)
	}
	return ret
}

func (s *Service) skipUnits(ctx context.Context, r boundRepo, units []string, reason string) {
	now := s.clock.Now()
	for _, unit := range units {
		s.recordRun(ctx, jobs.NewRun(jobs.KindBackup, r.Name, unit, r.Volume, now).Skip(now, reason))
		s.deps.Metrics.ObserveUnitBackup(r.Name, unit, 0, metrics.OutcomeSkipped)
	}
}

func (s *Service) recordRun(ctx context.Context, run *jobs.UnitRun) {
	if err := s.deps.History.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("Could not record %s run of %s: %v", run.Kind, run.Job, err)
	}
}

// finish reports the end of a run through the log, the notifier and the
// metrics textfile.
func (s *Service) finish(ctx context.Context, summary Summary, opts Options) {
	for _, r := range summary.Repos {
		s.logger.Debug("%s", r)
	}
	msg := summary.Message()
	s.logger.Info("%s", msg)

	if opts.Notify {
		if err := s.deps.Notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
			s.logger.Warn("Could not send notification: %v", err)
		}
	}

	s.deps.Metrics.ObserveRunDuration(summary.FinishedAt.Sub(summary.StartedAt), metrics.OutcomeOf(summary.OK))
	if s.cfg.MetricsTextfile == "" {
		return
	}
	w, ok := s.deps.Metrics.(TextfileWriter)
	if !ok {
		return
	}
	if err := w.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
		s.logger.Warn("%v", err)
	}
}

func hasDueRepo(repos []boundRepo, due map[string][]string, volumeName string) bool {
	for _, r := range repos {
		if r.Volume == volumeName && len(due[r.Name]) > 0 {
			return true
		}
	}
	return false
}

func outcomeOf(r RepoResult) metrics.Outcome {
	if len(r.Due) == 0 {
		return metrics.OutcomeSkipped
	}
	return metrics.OutcomeOf(r.OK())
}

func (r RepoResult) String() string {
	return fmt.Sprintf("%s: %d/%d units, pruned=%t", r.Name, len(r.Succeeded), len(r.Due), r.Pruned)
}
