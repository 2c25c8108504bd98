// Package target implements the managed resources tasks act on and the
// registry that resolves them by id.
package target

import (
	"context"
	"errors"
	"fmt"
)

// Target is a managed resource with a start/stop lifecycle. Start and Stop
// return a *Failure when the resource reports the operation did not take
// effect; any other error is treated as unhandled by the caller.
type Target interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Log(ctx context.Context, msg string) error
}

// Failure is a soft failure signaled by the target itself.
type Failure struct {
	Target string
	Op     string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s %s: %s", f.Target, f.Op, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Failed builds a *Failure.
func Failed(targetID, op, reason string, err error) error {
	return &Failure{Target: targetID, Op: op, Reason: reason, Err: err}
}

// IsFailure reports whether err carries a soft *Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

var ErrUnknownTarget = errors.New("unknown target")
