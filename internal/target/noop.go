package target

import "context"

// noopTarget only logs. Useful for dry runs.
type noopTarget struct{ base }

func (t *noopTarget) Start(context.Context) error {
	t.log.Info("noop start")
	return nil
}

func (t *noopTarget) Stop(context.Context) error {
	t.log.Info("noop stop")
	return nil
}
