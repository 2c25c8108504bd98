// Package systemd drives units through the systemctl binary. It is the
// fallback when the D-Bus socket is not reachable, for example inside a
// container with only the CLI mounted.
package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes systemctl. Bin defaults to "systemctl"; User adds --user.
type Runner struct {
	Bin  string
	User bool

	// exec is replaced in tests.
	exec func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError carries systemctl's exit status and combined output.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := e.Output
	if out == "" {
		return fmt.Sprintf("systemctl %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("systemctl %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (r Runner) run(ctx context.Context, args ...string) (string, error) {
	bin := r.Bin
	if bin == "" {
		bin = "systemctl"
	}
	if r.User {
		args = append([]string{"--user"}, args...)
	}
	run := r.exec
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	out, err := run(ctx, bin, args...)
	s := strings.TrimSpace(string(out))
	if err != nil {
		return s, &CommandError{Args: args, Output: s, Err: err}
	}
	return s, nil
}

// IsActive reports whether the unit is active. is-active exits non-zero for
// inactive units, which is not an error here.
func (r Runner) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := r.run(ctx, "is-active", unit)
	if err != nil && out == "" {
		return false, err
	}
	return out == "active", nil
}

func (r Runner) Start(ctx context.Context, unit string) error {
	_, err := r.run(ctx, "start", unit)
	return err
}

func (r Runner) Stop(ctx context.Context, unit string) error {
	_, err := r.run(ctx, "stop", unit)
	return err
}

func (r Runner) Restart(ctx context.Context, unit string) error {
	_, err := r.run(ctx, "restart", unit)
	return err
}
