// Package hosterr defines the failure taxonomy shared by the host supervisors
// and the capability bridge.
package hosterr

import (
	"errors"
	"fmt"
)

// Kind classifies a host failure.
type Kind string

const (
	StartupFailure  Kind = "startup_failure"
	LockConflict    Kind = "lock_conflict"
	ProcessCrash    Kind = "process_crash"
	BackupIOFailure Kind = "backup_io_failure"
	RestoreConflict Kind = "restore_conflict"
	NotFound        Kind = "not_found"
	Busy            Kind = "busy"
	InvalidArgument Kind = "invalid_argument"
	Cancelled       Kind = "cancelled"
	Internal        Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed,
// e.g. "database.start" or "backup.restore".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against another *Error by kind, so callers can write
// errors.Is(err, &hosterr.Error{Kind: hosterr.Busy}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
