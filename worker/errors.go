package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by Send when no worker process is live
	ErrNotRunning = errors.New("worker is not running")
	// ErrWorkerExited matches every *ExitError
	ErrWorkerExited = errors.New("worker exited")
)

// ExitError reports a worker process that exited without Stop being called
type ExitError struct {
	PID  int
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %d exited with code %d: %v", e.PID, e.Code, e.Err)
	}
	return fmt.Sprintf("worker %d exited with code %d", e.PID, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrWorkerExited
func (e *ExitError) Is(target error) bool {
	return target == ErrWorkerExited
}

// SendError wraps a failed write to the worker's stdin
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to write to worker: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
