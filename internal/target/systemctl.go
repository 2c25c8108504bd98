package target

import (
	"context"
	"errors"
	"os/exec"

	"slotkeeper/pkg/systemd"
)

// Systemctl runs systemctl verbs. systemd.Runner implements it.
type Systemctl interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
}

type systemctlTarget struct {
	base
	unit string
	ctl  Systemctl
}

func (t *systemctlTarget) Start(ctx context.Context) error {
	return t.result("start", t.ctl.Start(ctx, t.unit))
}

func (t *systemctlTarget) Stop(ctx context.Context) error {
	return t.result("stop", t.ctl.Stop(ctx, t.unit))
}

// A non-zero exit is systemctl telling us the unit refused; anything else
// (missing binary, killed by ctx) is unhandled.
func (t *systemctlTarget) result(op string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		reason := "exit status"
		var ce *systemd.CommandError
		if errors.As(err, &ce) && ce.Output != "" {
			reason = ce.Output
		}
		return Failed(t.id, op, reason, err)
	}
	return err
}
