package engine

import "errors"

var (
	ErrDisabled  = errors.New("task engine: disabled")
	ErrStopped   = errors.New("task engine: stopped")
	ErrStopping  = errors.New("task engine: stopping")
	ErrQueueFull = errors.New("task engine: queue full")
)

// PermanentError stops the retry loop; the wrapped error is what the job
// reports.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
