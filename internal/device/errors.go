package device

import (
	"errors"
	"fmt"
)

// Kind classifies a device-level failure
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	OutOfRange        Kind = "out_of_range"
	AllocationFailure Kind = "allocation_failure"
	Released          Kind = "released"
)

// Error is returned by every Device operation that fails.
// Op names the operation ("open", "read", "write").
type Error struct {
	Kind   Kind
	Op     string
	Device int
	Msg    string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op == "" {
		if e.Msg == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("device %d: %s: %s", e.Device, e.Op, e.Kind)
	}
	return fmt.Sprintf("device %d: %s: %s: %s", e.Device, e.Op, e.Kind, e.Msg)
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per Kind
var (
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
	ErrOutOfRange        = &Error{Kind: OutOfRange}
	ErrAllocationFailure = &Error{Kind: AllocationFailure}
	ErrReleased          = &Error{Kind: Released}
)

// IsKind reports whether err is a device Error of the given kind
func IsKind(err error, kind Kind) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}

func newError(kind Kind, op string, number int, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Device: number,
		Msg:    fmt.Sprintf(format, args...),
	}
}
