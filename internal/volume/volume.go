package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/MimeLyc/volback/pkg/log"
)

// DefaultSettle is the pause between a mount call and the re-probe.
const DefaultSettle = time.Second

type Options struct {
	// LockDir holds one <uuid>.lock marker per volume.
	LockDir string
	Driver  Driver
	Clock   clock.Clock
	// Settle is how long to wait after a mount or unmount before re-probing.
	// Zero skips the wait.
	Settle time.Duration
	Logger *log.Logger
}

// Volume is one removable device. Mount and Unmount are reference counted so
// several jobs in one run share a single physical mount.
type Volume struct {
	name     string
	uuid     string
	lockPath string
	driver   Driver
	clock    clock.Clock
	settle   time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	state State
	path  string
	refs  int
}

// New probes the volume once and clears a lock marker orphaned by a previous
// run. The only error is a fatal one.
func New(ctx context.Context, name, uuid string, opts Options) (*Volume, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("volume %s: driver is required", name)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.LockDir != "" {
		if err := os.MkdirAll(opts.LockDir, 0o755); err != nil {
			return nil, fmt.Errorf("volume %s: create lock dir: %w", name, err)
		}
	}

	v := &Volume{
		name:     name,
		uuid:     uuid,
		lockPath: filepath.Join(opts.LockDir, uuid+".lock"),
		driver:   opts.Driver,
		clock:    opts.Clock,
		settle:   opts.Settle,
		logger:   opts.Logger,
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshLocked(ctx)
	if err := v.reconcileLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) Name() string     { return v.name }
func (v *Volume) UUID() string     { return v.uuid }
func (v *Volume) LockPath() string { return v.lockPath }

func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Path is the mount point, empty unless mounted.
func (v *Volume) Path() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.path
}

func (v *Volume) Refs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.refs
}

func (v *Volume) IsMounted() bool  { return v.State() == StateMounted }
func (v *Volume) IsAttached() bool { return v.State() != StateUnknown }

// ProbeState queries the driver again; the result is never served from cache.
func (v *Volume) ProbeState(ctx context.Context) Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshLocked(ctx)
	return Status{State: v.state, Path: v.path}
}

// Mount takes a reference on the volume, mounting it physically only when no
// reference is held yet.
func (v *Volume) Mount(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateUnknown:
		v.logger.Warn("Volume %s (%s) is not attached", v.name, v.uuid)
		return false
	case StateMounted:
		v.refs++
		v.logger.Debug("Volume %s already mounted at %s (refs=%d)", v.name, v.path, v.refs)
		return true
	}

	if err := v.driver.Mount(ctx, v.uuid); err != nil {
		v.logger.Error("Mount of volume %s failed: %v", v.name, err)
		v.refs = 0
		return false
	}
	v.wait(ctx)
	v.refreshLocked(ctx)
	if v.state != StateMounted {
		v.logger.Error("Volume %s still %s after mount", v.name, v.state)
		v.refs = 0
		return false
	}
	v.refs = 1
	v.logger.Info("Mounted volume %s at %s", v.name, v.path)
	return true
}

// Unmount drops a reference. The device is unmounted physically only when the
// last reference goes away; the returned bool is whether it ended up unmounted
// (or still legitimately held by another reference).
func (v *Volume) Unmount(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateMounted {
		return true, nil
	}
	if v.refs > 0 {
		v.refs--
	}
	if v.refs > 0 {
		v.logger.Debug("Volume %s still referenced (refs=%d)", v.name, v.refs)
		return true, nil
	}
	return v.unmountLocked(ctx)
}

// ForceUnmount unmounts the device whatever the reference count.
func (v *Volume) ForceUnmount(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateMounted {
		v.refs = 0
		return true, nil
	}
	return v.unmountLocked(ctx)
}

func (v *Volume) unmountLocked(ctx context.Context) (bool, error) {
	v.refs = 0
	if err := v.releaseLockLocked(); err != nil {
		return false, err
	}
	if err := v.driver.Unmount(ctx, v.uuid); err != nil {
		v.logger.Error("Unmount of volume %s failed: %v", v.name, err)
		return false, nil
	}
	v.wait(ctx)
	v.refreshLocked(ctx)
	if v.state != StateUnmounted {
		v.logger.Error("Volume %s is %s after unmount", v.name, v.state)
		if v.state == StateMounted {
			v.refs = 1
		}
		return false, nil
	}
	v.logger.Info("Unmounted volume %s", v.name)
	return true, nil
}

func (v *Volume) refreshLocked(ctx context.Context) {
	st, err := v.driver.Probe(ctx, v.uuid)
	if err != nil {
		v.logger.Warn("Probe of volume %s failed: %v", v.name, err)
		st = Unknown()
	}
	if st.State != StateMounted {
		st.Path = ""
	} else if st.Path == "" {
		v.logger.Warn("Volume %s reported mounted without a mount point", v.name)
		st = Unmounted()
	}
	was := v.state
	v.state = st.State
	v.path = st.Path
	switch {
	case v.state != StateMounted:
		v.refs = 0
	case was != StateMounted && v.refs == 0:
		// Somebody else mounted it; that mount keeps a reference of its own.
		v.refs = 1
	}
}

func (v *Volume) wait(ctx context.Context) {
	if v.settle <= 0 {
		return
	}
	select {
	case <-v.clock.After(v.settle):
	case <-ctx.Done():
	}
}

func (v *Volume) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock := "not locked"
	if v.isLocked() {
		lock = "locked"
	}
	return fmt.Sprintf("%s / %s / %s", v.uuid, v.state, lock)
}
