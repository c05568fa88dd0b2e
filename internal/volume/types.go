package volume

import (
	"context"
	"errors"
)

type State int

const (
	StateUnknown State = iota
	StateUnmounted
	StateMounted
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounted:
		return "mounted"
	default:
		return "unknown"
	}
}

// Status is what a Probe reports for one volume. Path is set only when mounted.
type Status struct {
	State State
	Path  string
}

func Unknown() Status            { return Status{State: StateUnknown} }
func Unmounted() Status          { return Status{State: StateUnmounted} }
func Mounted(path string) Status { return Status{State: StateMounted, Path: path} }

// Probe reports whether a volume is attached and where it is mounted.
type Probe interface {
	Probe(ctx context.Context, uuid string) (Status, error)
}

// Mounter issues the physical mount and unmount calls.
type Mounter interface {
	Mount(ctx context.Context, uuid string) error
	Unmount(ctx context.Context, uuid string) error
}

// Driver is a platform backend providing both halves.
type Driver interface {
	Probe
	Mounter
}

// ErrLockInconsistent means the lock marker did not reach the state the
// filesystem call promised. Callers must abort the whole run.
var ErrLockInconsistent = errors.New("lock marker inconsistent")
