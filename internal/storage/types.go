package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// CronTaskWriter is implemented by stores that keep a cron expression as
// one entry instead of one task per firing slot.
type CronTaskWriter interface {
	PutCronTask(ctx context.Context, id, expr string, action task.Action, targetID string) error
}

// Config configures storage.
//
// Driver values:
//   - "file": Path is a prefix; <prefix>.tasks.yaml and friends live next to it
//   - "sqlite": Path is the database file
//   - "postgres", "mysql": DSN is passed to the gorm driver
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TargetLogEntry is one line of a target's log.
type TargetLogEntry struct {
	At       time.Time `json:"at"`
	TargetID string    `json:"target"`
	Msg      string    `json:"msg"`
}

// Store is the persistence API used by the scheduler, targets and notifier.
// Actions are stored raw and parsed with task.ParseAction on the way out.
type Store interface {
	TasksDueAt(ctx context.Context, key slot.Key) ([]task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)
	PutTask(ctx context.Context, t task.Task) error
	// DeleteTask removes the task with id, or every task "<id>@<key>"
	// created from one cron expression.
	DeleteTask(ctx context.Context, id string) error

	AppendTargetLog(ctx context.Context, targetID, msg string, at time.Time) error
	TargetLogs(ctx context.Context, targetID string, limit int) ([]TargetLogEntry, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

func validateTask(t task.Task, clock slot.Clock) error {
	switch {
	case t.ID == "":
		return errors.New("task id is required")
	case t.TargetID == "":
		return errors.New("task target is required")
	case int(t.Snap) < 0 || int(t.Snap) >= clock.Len():
		return errors.New("task slot out of range")
	case strings.TrimSpace(t.Action.Raw) == "":
		return errors.New("task action is required")
	}
	return nil
}

func rowTask(id string, snap int, action, target string) task.Task {
	return task.Task{ID: id, Snap: slot.Key(snap), Action: task.ParseAction(action), TargetID: target}
}
