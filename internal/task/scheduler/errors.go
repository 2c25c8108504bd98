package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSlot        = errors.New("invalid slot")
	ErrSlotDrift          = errors.New("slot drift")
	ErrUnrecognizedAction = errors.New("unrecognized action")
	ErrUnhandledTask      = errors.New("unhandled task error")
	ErrOrchestration      = errors.New("orchestration failure")
	ErrRearm              = errors.New("re-arm failed")
	ErrDisabled           = errors.New("scheduler disabled")
)

// TaskError is an unhandled failure isolated to one task.
type TaskError struct {
	TaskID   string
	TargetID string
	Err      error
	Stack    string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s on %s: %v", e.TaskID, e.TargetID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *TaskError) Is(target error) bool { return target == ErrUnhandledTask }

// Trace returns the captured goroutine stack, empty unless the task panicked.
func (e *TaskError) Trace() string { return e.Stack }

type UnrecognizedActionError struct {
	TaskID string
	Raw    string
}

func (e *UnrecognizedActionError) Error() string {
	return fmt.Sprintf("unrecognized action %q for task %s", e.Raw, e.TaskID)
}

func (e *UnrecognizedActionError) Is(target error) bool { return target == ErrUnrecognizedAction }

// OrchestrationError is a failure outside per-task isolation.
type OrchestrationError struct {
	Err   error
	Stack string
}

func (e *OrchestrationError) Error() string { return "orchestration failure: " + e.Err.Error() }
func (e *OrchestrationError) Unwrap() error { return e.Err }
func (e *OrchestrationError) Is(target error) bool {
	return target == ErrOrchestration
}
func (e *OrchestrationError) Trace() string { return e.Stack }

// Traced is implemented by errors that carry a diagnostic stack.
type Traced interface {
	Trace() string
}

// TraceOf returns the first stack found in err's chain.
func TraceOf(err error) string {
	var t Traced
	if errors.As(err, &t) {
		return t.Trace()
	}
	return ""
}
