// Package systemdmanager controls systemd units over D-Bus. On non-linux
// builds every call returns ErrUnsupported.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection closed")
	ErrNoSuchUnit  = errors.New("systemdmanager: no such unit")
)

// JobResult is the value systemd reports when a queued job completes:
// "done", "canceled", "timeout", "failed", "dependency" or "skipped".
type JobResult string

const JobDone JobResult = "done"

// JobError is returned when a job finished with a result other than done.
type JobError struct {
	Unit   string
	Op     string
	Result JobResult
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job result %s", e.Op, e.Unit, e.Result)
}

// UnitStatus is the lightweight state of a unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	StateChange time.Time
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

// checkJob turns a completed job result into an error.
func checkJob(unit, op string, result JobResult) error {
	if result == JobDone {
		return nil
	}
	return &JobError{Unit: unit, Op: op, Result: result}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func timestampProp(props map[string]interface{}, key string) time.Time {
	v, ok := props[key]
	if !ok {
		return time.Time{}
	}
	us, ok := v.(uint64)
	if !ok || us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(us))
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}
