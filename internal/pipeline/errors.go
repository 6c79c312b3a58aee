package pipeline

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout is returned by Wait when a job does not reach a terminal
// state within the caller's timeout. It is the caller's error: the job
// itself keeps running.
var ErrWaitTimeout = errors.New("timed out waiting for job")

// ErrUnknownJobType is returned by Trigger for an unregistered job type.
var ErrUnknownJobType = errors.New("unknown job type")

// fatalError marks a step failure that retrying cannot fix (unreadable
// input, dimension mismatch). The step runner stops retrying immediately.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the step runner will not retry it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// StepError is the failure surfaced when a step exhausts its retry budget
// (or fails fatally). It carries the step name so a failed job reports what
// broke, not just "failed".
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
