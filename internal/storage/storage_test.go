package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

func weekClock() slot.Clock {
	return slot.Clock{Unit: time.Minute, Cycle: slot.CycleWeek, Location: time.UTC}
}

func openFor(t *testing.T, driver string) Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	st, err := Open(Config{Driver: driver, Path: path}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) = %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openFor(t, driver)

			put := []task.Task{
				{ID: "a", Snap: 1620, Action: task.Start, TargetID: "web"},
				{ID: "b", Snap: 1620, Action: task.ParseAction("reboot"), TargetID: "db"},
				{ID: "c", Snap: 10, Action: task.Stop, TargetID: "web"},
			}
			for _, tk := range put {
				if err := st.PutTask(ctx, tk); err != nil {
					t.Fatalf("PutTask(%s) = %v", tk.ID, err)
				}
			}

			due, err := st.TasksDueAt(ctx, 1620)
			if err != nil {
				t.Fatalf("TasksDueAt() = %v", err)
			}
			if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
				t.Fatalf("TasksDueAt(1620) = %+v", due)
			}
			if due[1].Action.Kind != task.ActionUnrecognized || due[1].Action.Raw != "reboot" {
				t.Fatalf("unrecognized action = %+v, want raw reboot", due[1].Action)
			}

			// Tasks are recurring: reading them does not consume them.
			again, _ := st.TasksDueAt(ctx, 1620)
			if len(again) != 2 {
				t.Fatalf("second TasksDueAt = %d tasks, want 2", len(again))
			}

			if err := st.PutTask(ctx, task.Task{ID: "a", Snap: 11, Action: task.Stop, TargetID: "web"}); err != nil {
				t.Fatalf("PutTask(update) = %v", err)
			}
			all, _ := st.ListTasks(ctx)
			if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[1].Action.Kind != task.ActionStop {
				t.Fatalf("ListTasks() = %+v", all)
			}

			if err := st.DeleteTask(ctx, "c"); err != nil {
				t.Fatalf("DeleteTask() = %v", err)
			}
			if err := st.DeleteTask(ctx, "c"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("DeleteTask(missing) = %v, want ErrNotFound", err)
			}

			if err := st.PutTask(ctx, task.Task{ID: "bad", Snap: 99999, Action: task.Start, TargetID: "x"}); err == nil {
				t.Fatalf("PutTask(out of range) = nil")
			}

			at := time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC)
			for i, msg := range []string{"one", "two", "three"} {
				if err := st.AppendTargetLog(ctx, "web", msg, at.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("AppendTargetLog() = %v", err)
				}
			}
			_ = st.AppendTargetLog(ctx, "db", "other", at)
			logs, err := st.TargetLogs(ctx, "web", 2)
			if err != nil {
				t.Fatalf("TargetLogs() = %v", err)
			}
			if len(logs) != 2 || logs[0].Msg != "two" || logs[1].Msg != "three" {
				t.Fatalf("TargetLogs() = %+v", logs)
			}
			if !logs[1].At.Equal(at.Add(2 * time.Second)) {
				t.Fatalf("At = %v", logs[1].At)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("PutDedup() = %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup() = %v, %v, %v, want %v", got, ok, err, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("GetDedup(missing) ok")
			}
		})
	}
}

func TestFileStoreReadsOperatorYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := `tasks:
  - id: nightly-stop
    cron: "0 3 * * 1-5"
    action: stop
    target: web
  - id: weekend
    at: "Sat 08:30"
    action: start
    target: web
`
	if err := os.WriteFile(filepath.Join(dir, "state.tasks.yaml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	all, _ := st.ListTasks(ctx)
	if len(all) != 6 {
		t.Fatalf("ListTasks() = %d tasks, want 5 cron + 1 fixed", len(all))
	}
	due, _ := st.TasksDueAt(ctx, 1620) // Mon 03:00
	if len(due) != 1 || due[0].ID != "nightly-stop@1620" {
		t.Fatalf("TasksDueAt(Mon 03:00) = %+v", due)
	}

	if err := st.DeleteTask(ctx, "nightly-stop@1620"); err != nil {
		t.Fatalf("DeleteTask(expanded id) = %v", err)
	}
	all, _ = st.ListTasks(ctx)
	if len(all) != 1 || all[0].ID != "weekend" {
		t.Fatalf("after delete = %+v", all)
	}
}

func TestFileStoreKeepsLastGoodTasks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.tasks.yaml")
	good := "tasks:\n  - id: a\n    at: \"Mon 03:00\"\n    action: start\n    target: web\n"
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer st.Close()

	if err := os.WriteFile(path, []byte("tasks: [ {id: a, at: \"Funday\"} ]\nextra: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	due, err := st.TasksDueAt(context.Background(), 1620)
	if err != nil || len(due) != 1 {
		t.Fatalf("TasksDueAt() after broken edit = %+v, %v", due, err)
	}
}

func TestFileStoreCronTaskRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	cw, ok := st.(CronTaskWriter)
	if !ok {
		t.Fatalf("file store does not implement CronTaskWriter")
	}
	for _, id := range []string{"nightly", "weekly"} {
		if err := cw.PutCronTask(ctx, id, "0 3 * * 1-5", task.Stop, "web"); err != nil {
			t.Fatalf("PutCronTask(%s) = %v", id, err)
		}
	}
	if err := cw.PutCronTask(ctx, "bad", "not a cron", task.Stop, "web"); err == nil {
		t.Fatalf("PutCronTask(invalid expr) = nil, want error")
	}

	b, err := os.ReadFile(filepath.Join(dir, "state.tasks.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "cron:"); n != 2 {
		t.Fatalf("tasks file has %d cron entries, want 2:\n%s", n, b)
	}
	if all, _ := st.ListTasks(ctx); len(all) != 10 {
		t.Fatalf("ListTasks() = %d tasks, want 10", len(all))
	}

	if err := st.DeleteTask(ctx, "nightly"); err != nil {
		t.Fatalf("DeleteTask(base id) = %v", err)
	}
	if err := st.DeleteTask(ctx, "weekly@3060"); err != nil {
		t.Fatalf("DeleteTask(expanded id) = %v", err)
	}
	if all, _ := st.ListTasks(ctx); len(all) != 0 {
		t.Fatalf("after delete = %+v, want none", all)
	}
	if err := st.DeleteTask(ctx, "nightly"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteTask(gone) = %v, want ErrNotFound", err)
	}
}

func TestDeleteTaskExpandedFixedEntries(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openFor(t, driver)
			for _, k := range []slot.Key{420, 1860, 3300} {
				tk := task.Task{ID: fmt.Sprintf("x@%d", k), Snap: k, Action: task.Stop, TargetID: "web"}
				if err := st.PutTask(ctx, tk); err != nil {
					t.Fatalf("PutTask(%s) = %v", tk.ID, err)
				}
			}
			if err := st.PutTask(ctx, task.Task{ID: "xy", Snap: 10, Action: task.Start, TargetID: "web"}); err != nil {
				t.Fatalf("PutTask(xy) = %v", err)
			}

			if err := st.DeleteTask(ctx, "x@1860"); err != nil {
				t.Fatalf("DeleteTask(x@1860) = %v", err)
			}
			if all, _ := st.ListTasks(ctx); len(all) != 3 {
				t.Fatalf("after exact delete = %+v, want 3 tasks", all)
			}
			if err := st.DeleteTask(ctx, "x"); err != nil {
				t.Fatalf("DeleteTask(x) = %v", err)
			}
			all, _ := st.ListTasks(ctx)
			if len(all) != 1 || all[0].ID != "xy" {
				t.Fatalf("after group delete = %+v, want only xy", all)
			}
		})
	}
}

func TestFileStoreRefusesEditOverBrokenFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.tasks.yaml")
	good := "tasks:\n  - id: a\n    at: \"Mon 03:00\"\n    action: start\n    target: web\n"
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer st.Close()

	broken := "tasks:\n  - id: a\n    at: \"Mon 03:00\"\n    action: start\n    target: web\n  - id: b\n    at: \"Funday\"\n"
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := st.PutTask(ctx, task.Task{ID: "c", Snap: 10, Action: task.Stop, TargetID: "web"}); err == nil {
		t.Fatalf("PutTask() over broken file = nil, want error")
	}
	if err := st.DeleteTask(ctx, "a"); err == nil {
		t.Fatalf("DeleteTask() over broken file = nil, want error")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != broken {
		t.Fatalf("tasks file rewritten:\n%s", b)
	}
}

func TestFileStoreDedupSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state")
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: path}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	_ = st.PutDedup(ctx, "live", until)
	_ = st.PutDedup(ctx, "dead", time.Now().Add(-time.Hour))
	if err := st.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, weekClock(), logx.Nop())
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer st.Close()
	if got, ok, _ := st.GetDedup(ctx, "live"); !ok || !got.Equal(until) {
		t.Fatalf("GetDedup(live) = %v, %v", got, ok)
	}
	if _, ok, _ := st.GetDedup(ctx, "dead"); ok {
		t.Fatalf("expired dedup survived reopen")
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, weekClock(), logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "mongo"}, weekClock(), logx.Nop()); err == nil {
		t.Fatalf("Open(mongo) = nil")
	}
	if _, err := Open(Config{Driver: "postgres"}, weekClock(), logx.Nop()); err == nil {
		t.Fatalf("Open(postgres without dsn) = nil")
	}
}
