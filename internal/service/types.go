package service

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/MimeLyc/volback/internal/engine"
	"github.com/MimeLyc/volback/internal/jobs"
	"github.com/MimeLyc/volback/internal/ledger"
	"github.com/MimeLyc/volback/internal/metrics"
	"github.com/MimeLyc/volback/internal/notify"
	"github.com/MimeLyc/volback/internal/volume"
	"github.com/MimeLyc/volback/pkg/log"
)

// Device is the part of a volume the orchestrator drives.
type Device interface {
	Name() string
	UUID() string
	Path() string
	IsMounted() bool
	Mount(ctx context.Context) bool
	Unmount(ctx context.Context) (bool, error)
	ForceUnmount(ctx context.Context) (bool, error)
	AcquireLock() (bool, error)
	ReleaseLock() error
	String() string
}

var _ Device = (*volume.Volume)(nil)

// OpenFunc probes a configured volume at the start of a run.
type OpenFunc func(ctx context.Context, name, uuid string) (Device, error)

// VolumeOpener opens volumes with the given driver settings.
func VolumeOpener(opts volume.Options) OpenFunc {
	return func(ctx context.Context, name, uuid string) (Device, error) {
		v, err := volume.New(ctx, name, uuid, opts)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Engine is the backup program.
type Engine interface {
	Backup(ctx context.Context, req engine.BackupRequest) error
	Forget(ctx context.Context, repository string, keep []string) error
	Snapshots(ctx context.Context, repository string) (string, error)
}

// TextfileWriter is implemented by recorders that can flush to a
// node_exporter textfile.
type TextfileWriter interface {
	WriteTextfile(path string) error
}

type Deps struct {
	Ledger   ledger.Store
	Engine   Engine
	Open     OpenFunc
	Notifier notify.Notifier
	Metrics  metrics.Recorder
	History  jobs.Store
	Logger   *log.Logger
	Clock    clock.Clock
}

// Options narrows and tunes one run.
type Options struct {
	// Devices and Repos limit the run to the named volumes and repositories.
	// Empty means all.
	Devices []string
	Repos   []string
	// ForceUnmount unmounts every opened volume at the end, whatever its
	// reference count.
	ForceUnmount bool
	Notify       bool
}

type RepoResult struct {
	Name      string
	Volume    string
	Due       []string
	Succeeded []string
	Failed    []string
	Pruned    bool
	Err       error
}

// OK reports whether every due unit was backed up and pruning succeeded.
func (r RepoResult) OK() bool {
	return r.Err == nil && len(r.Failed) == 0 && (len(r.Due) == 0 || r.Pruned)
}

type Summary struct {
	OK         bool
	NothingDue bool
	Repos      []RepoResult
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s Summary) Message() string {
	if s.OK {
		return "Done backup without errors"
	}
	return "Done backup with some error"
}
