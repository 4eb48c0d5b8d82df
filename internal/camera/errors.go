package camera

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Reason classifies why a camera operation failed.
type Reason int

// Failure reasons. ReasonFatal is the zero value so unclassified errors
// fail closed.
const (
	ReasonFatal Reason = iota
	ReasonNotAllowed
	ReasonDisconnected
	ReasonDisabled
	ReasonInUse
	ReasonTooMany
)

func (r Reason) String() string {
	switch r {
	case ReasonNotAllowed:
		return "not_allowed"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonDisabled:
		return "disabled"
	case ReasonInUse:
		return "in_use"
	case ReasonTooMany:
		return "too_many"
	default:
		return "fatal"
	}
}

// RecorderError is the only error type that crosses the engine boundary.
type RecorderError struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *RecorderError) Error() string {
	msg := "camera " + e.Reason.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecorderError) Unwrap() error { return e.Err }

// Is matches any RecorderError with the same reason, so the sentinels below
// work with errors.Is regardless of Op and cause.
func (e *RecorderError) Is(target error) bool {
	t, ok := target.(*RecorderError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrFatal        = &RecorderError{Reason: ReasonFatal}
	ErrNotAllowed   = &RecorderError{Reason: ReasonNotAllowed}
	ErrDisconnected = &RecorderError{Reason: ReasonDisconnected}
	ErrDisabled     = &RecorderError{Reason: ReasonDisabled}
	ErrInUse        = &RecorderError{Reason: ReasonInUse}
	ErrTooMany      = &RecorderError{Reason: ReasonTooMany}
)

// NewError builds a RecorderError.
func NewError(reason Reason, op string, err error) *RecorderError {
	return &RecorderError{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the reason from err. Errors that were never classified
// report ReasonFatal.
func ReasonOf(err error) Reason {
	var re *RecorderError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonFatal
}

// Wrap returns err unchanged if it already carries a reason, otherwise it
// classifies it with Classify. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RecorderError
	if errors.As(err, &re) {
		return err
	}
	return &RecorderError{Reason: Classify(err), Op: op, Err: err}
}

// Classify maps platform errors onto a Reason.
func Classify(err error) Reason {
	var re *RecorderError
	if errors.As(err, &re) {
		return re.Reason
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM:
			return ReasonNotAllowed
		case syscall.EBUSY:
			return ReasonInUse
		case syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE:
			return ReasonTooMany
		case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
			return ReasonDisconnected
		}
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return ReasonNotAllowed
	case errors.Is(err, os.ErrNotExist):
		return ReasonDisconnected
	}
	return ReasonFatal
}

// Errorf is a convenience for building a classified error with a formatted
// cause.
func Errorf(reason Reason, op, format string, args ...any) *RecorderError {
	return &RecorderError{Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}
