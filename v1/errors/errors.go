package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceInit matches any *ResourceInitError.
	ErrResourceInit = errors.New("garden: resource init failed")
	// ErrWorkerStart matches any *WorkerStartError.
	ErrWorkerStart = errors.New("garden: worker start failed")
	// ErrReleased is returned when shared resources are used after teardown.
	ErrReleased = errors.New("garden: resources released")
	// ErrExists is returned when a named object already exists.
	ErrExists = errors.New("garden: named object already exists")
)

// ResourceInitError reports a failure creating, sizing, mapping or attaching
// the shared segment or one of its locks.
type ResourceInitError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResourceInitError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("garden: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("garden: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceInitError) Unwrap() error { return e.Err }

// Is reports ErrResourceInit as a match.
func (e *ResourceInitError) Is(target error) bool { return target == ErrResourceInit }

// WorkerStartError reports a decay or restoration worker that could not be
// started.
type WorkerStartError struct {
	Kind  string
	Index int
	Err   error
}

func (e *WorkerStartError) Error() string {
	return fmt.Sprintf("garden: start %s worker %d: %v", e.Kind, e.Index, e.Err)
}

func (e *WorkerStartError) Unwrap() error { return e.Err }

// Is reports ErrWorkerStart as a match.
func (e *WorkerStartError) Is(target error) bool { return target == ErrWorkerStart }

// InitError wraps err as a *ResourceInitError unless it already is one.
func InitError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var rie *ResourceInitError
	if errors.As(err, &rie) {
		return err
	}
	return &ResourceInitError{Op: op, Name: name, Err: err}
}
