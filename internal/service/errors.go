package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/volback/internal/volume"
)

type ErrorType int

const (
	ErrConfig ErrorType = iota
	ErrLock
	ErrLedger
	ErrVolume
	ErrEngine
	ErrRetention
	ErrUnknown
)

type BackupError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *BackupError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var ctxParts []string
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *BackupError) Unwrap() error {
	return e.Cause
}

func (e *BackupError) WithContext(key string, value any) *BackupError {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrConfig:
		return "Config"
	case ErrLock:
		return "Lock"
	case ErrLedger:
		return "Ledger"
	case ErrVolume:
		return "Volume"
	case ErrEngine:
		return "Engine"
	case ErrRetention:
		return "Retention"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this type abort the whole run.
func (t ErrorType) Fatal() bool {
	switch t {
	case ErrConfig, ErrLock, ErrLedger:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must abort the run: configuration problems,
// an inconsistent volume lock, or a ledger that could not be persisted.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, volume.ErrLockInconsistent) {
		return true
	}
	var bErr *BackupError
	if errors.As(err, &bErr) {
		return bErr.Type.Fatal()
	}
	return false
}

func IsErrorType(err error, errorType ErrorType) bool {
	var bErr *BackupError
	if errors.As(err, &bErr) {
		return bErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *BackupError {
	return NewErrorWithCause(errorType, message, err)
}

// Advice returns a hint for the operator about a failed run.
func Advice(err error) string {
	var bErr *BackupError
	if !errors.As(err, &bErr) {
		return "Please review the log for details"
	}
	switch bErr.Type {
	case ErrConfig:
		return "Please check the backups file, the passfile and RESTIC_PASSWORD"
	case ErrLock:
		return "A lock marker could not be created or removed; check the state directory permissions and remove stale .lock files by hand"
	case ErrLedger:
		return "The last-run ledger could not be saved; check free space and permissions of the state directory"
	case ErrVolume:
		return "Please check that the backup volume is attached and can be mounted"
	case ErrEngine:
		return "restic failed; run the inspect command or restic check on the repository"
	case ErrRetention:
		return "Pruning failed; snapshots are kept until the next successful run"
	default:
		return "Please review the log for details"
	}
}
