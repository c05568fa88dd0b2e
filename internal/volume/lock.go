package volume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/MimeLyc/volback/pkg/file"
)

// IsLocked reports whether the lock marker for this volume exists.
func (v *Volume) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isLocked()
}

func (v *Volume) isLocked() bool {
	return file.Exists(v.lockPath)
}

// AcquireLock creates the lock marker. It returns false when another run holds
// the volume or the volume is not mounted.
func (v *Volume) AcquireLock() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateMounted {
		v.logger.Warn("Refusing to lock volume %s: %s", v.name, v.state)
		return false, nil
	}
	if v.isLocked() {
		v.logger.Warn("Volume %s is locked by another run (%s)", v.name, v.lockPath)
		return false, nil
	}

	f, err := os.OpenFile(v.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			v.logger.Warn("Volume %s was locked concurrently", v.name)
			return false, nil
		}
		return false, fmt.Errorf("%w: could not create lock file %s: %v", ErrLockInconsistent, v.lockPath, err)
	}
	_ = f.Close()

	if !v.isLocked() {
		return false, fmt.Errorf("%w: could not create lock file %s", ErrLockInconsistent, v.lockPath)
	}
	v.logger.Debug("Locked volume %s", v.name)
	return true, nil
}

// ReleaseLock removes the lock marker if present.
func (v *Volume) ReleaseLock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releaseLockLocked()
}

func (v *Volume) releaseLockLocked() error {
	if !v.isLocked() {
		return nil
	}
	if err := os.Remove(v.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: could not remove lock file %s: %v", ErrLockInconsistent, v.lockPath, err)
	}
	if v.isLocked() {
		return fmt.Errorf("%w: could not remove lock file %s", ErrLockInconsistent, v.lockPath)
	}
	v.logger.Debug("Unlocked volume %s", v.name)
	return nil
}

// reconcileLocked drops a lock left behind by a run that died before
// unlocking: a held lock is only valid on a mounted volume.
func (v *Volume) reconcileLocked() error {
	if v.isLocked() && v.state != StateMounted {
		v.logger.Warn("Removing stale lock on volume %s (%s)", v.name, v.state)
		return v.releaseLockLocked()
	}
	return nil
}
