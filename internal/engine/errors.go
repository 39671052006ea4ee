package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("prediction timed out")
	ErrModelRuntime   = errors.New("model exited with an error")
	ErrOutputShape    = errors.New("model output shape mismatch")
	ErrLaunch         = errors.New("container launch failed")
	ErrInvalidRequest = errors.New("invalid run request")
	ErrContainerdDown = errors.New("containerd unavailable")
)

// RunError wraps errors with run context.
type RunError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsModelRuntime returns true if the model process itself failed.
func IsModelRuntime(err error) bool {
	return errors.Is(err, ErrModelRuntime)
}

// IsOutputShape returns true if the model produced a malformed or
// wrongly-sized output batch.
func IsOutputShape(err error) bool {
	return errors.Is(err, ErrOutputShape)
}
