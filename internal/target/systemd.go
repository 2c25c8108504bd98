package target

import (
	"context"
	"errors"

	"slotkeeper/pkg/systemdmanager"
)

// UnitController starts and stops systemd units and waits for the job.
// *systemdmanager.Manager implements it.
type UnitController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

type systemdTarget struct {
	base
	unit  string
	units UnitController
}

func (t *systemdTarget) Start(ctx context.Context) error {
	return t.result("start", t.units.Start(ctx, t.unit))
}

func (t *systemdTarget) Stop(ctx context.Context) error {
	return t.result("stop", t.units.Stop(ctx, t.unit))
}

// result maps job outcomes systemd itself reports to soft failures. Bus
// errors stay unhandled.
func (t *systemdTarget) result(op string, err error) error {
	if err == nil {
		return nil
	}
	var je *systemdmanager.JobError
	switch {
	case errors.As(err, &je):
		return Failed(t.id, op, "job "+string(je.Result), err)
	case errors.Is(err, systemdmanager.ErrNoSuchUnit):
		return Failed(t.id, op, "no such unit "+t.unit, err)
	}
	return err
}
