package engine

import (
	"errors"
	"fmt"
)

var (
	ErrOOMKilled      = errors.New("oom killed")
	ErrTimedOut       = errors.New("timed out")
	ErrWorkflowFailed = errors.New("workflow failed")
	ErrNotReady       = errors.New("service not ready")
	ErrScanFailed     = errors.New("security scan failed")
	ErrUnknownStep    = errors.New("unknown step kind")
)

// StepError carries the exit code of the container that ran a step.
type StepError struct {
	ExitCode int64
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: exit code %d", e.Err, e.ExitCode)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitCode returns the container exit code behind err, or -1 when the
// failure did not come from a container exit.
func ExitCode(err error) int64 {
	var se *StepError
	if errors.As(err, &se) {
		return se.ExitCode
	}
	return -1
}
