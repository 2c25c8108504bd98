package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

// taskEntry is one operator-written line of the tasks file. Exactly one of
// At and Cron is set. A cron entry expands into one task per firing slot,
// with ids "<id>@<key>".
type taskEntry struct {
	ID     string `yaml:"id"`
	At     string `yaml:"at,omitempty"`
	Cron   string `yaml:"cron,omitempty"`
	Action string `yaml:"action"`
	Target string `yaml:"target"`
}

type tasksDoc struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type tasksFile struct {
	path  string
	clock slot.Clock

	modTime time.Time
	size    int64

	entries []taskEntry
	tasks   []task.Task
}

// load reads the file if it changed since the last load. A missing file is
// an empty task set.
func (f *tasksFile) load() error {
	st, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.entries, f.tasks, f.modTime, f.size = nil, nil, time.Time{}, 0
		return nil
	}
	if err != nil {
		return err
	}
	if st.ModTime().Equal(f.modTime) && st.Size() == f.size && f.tasks != nil {
		return nil
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var doc tasksDoc
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	tasks, err := expandEntries(doc.Tasks, f.clock)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.entries, f.tasks = doc.Tasks, tasks
	f.modTime, f.size = st.ModTime(), st.Size()
	return nil
}

func (f *tasksFile) save() error {
	b, err := yaml.Marshal(tasksDoc{Tasks: f.entries})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, b); err != nil {
		return err
	}
	// Force the next load to pick the new contents up.
	f.modTime, f.size = time.Time{}, -1
	return f.load()
}

func expandEntries(entries []taskEntry, clock slot.Clock) ([]task.Task, error) {
	out := make([]task.Task, 0, len(entries))
	seen := map[string]struct{}{}
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("task #%d: id is required", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("task %s: duplicate id", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(e.Target) == "" {
			return nil, fmt.Errorf("task %s: target is required", id)
		}
		if strings.TrimSpace(e.Action) == "" {
			return nil, fmt.Errorf("task %s: action is required", id)
		}
		switch {
		case e.At != "" && e.Cron != "":
			return nil, fmt.Errorf("task %s: set either at or cron, not both", id)
		case e.Cron != "":
			keys, err := clock.ExpandCron(e.Cron)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", id, err)
			}
			for _, k := range keys {
				out = append(out, rowTask(fmt.Sprintf("%s@%d", id, k), int(k), e.Action, e.Target))
			}
		default:
			k, err := clock.ParseKey(e.At)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", id, err)
			}
			out = append(out, rowTask(id, int(k), e.Action, e.Target))
		}
	}
	return out, nil
}

// refreshLocked picks up operator edits. A broken file keeps the last good
// task set so one typo does not silence every slot.
func (s *fileStore) refreshLocked() {
	if err := s.tasks.load(); err != nil {
		s.log.Warn("tasks file reload failed, keeping previous tasks", logx.Err(err))
	}
}

func (s *fileStore) TasksDueAt(_ context.Context, key slot.Key) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	var out []task.Task
	for _, t := range s.tasks.tasks {
		if t.Snap == key {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fileStore) ListTasks(context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := append([]task.Task(nil), s.tasks.tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Snap != out[j].Snap {
			return out[i].Snap < out[j].Snap
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// editLocked re-reads the tasks file and saves what edit returns. A file
// that no longer parses is left alone: saving the last good entries would
// discard the operator's other changes.
func (s *fileStore) editLocked(edit func([]taskEntry) ([]taskEntry, error)) error {
	if err := s.tasks.load(); err != nil {
		return fmt.Errorf("tasks file not updated: %w", err)
	}
	next, err := edit(append([]taskEntry(nil), s.tasks.entries...))
	if err != nil {
		return err
	}
	s.tasks.entries = next
	return s.tasks.save()
}

// upsertEntry replaces the entry with e's id or appends e.
func upsertEntry(entries []taskEntry, e taskEntry) []taskEntry {
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// PutTask writes a fixed-slot entry, replacing any entry with the same id.
func (s *fileStore) PutTask(_ context.Context, t task.Task) error {
	if err := validateTask(t, s.clock); err != nil {
		return err
	}
	e := taskEntry{ID: t.ID, At: s.clock.Format(t.Snap), Action: t.Action.String(), Target: t.TargetID}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editLocked(func(entries []taskEntry) ([]taskEntry, error) {
		return upsertEntry(entries, e), nil
	})
}

// PutCronTask writes one cron entry. It expands to "<id>@<key>" tasks on
// read, and DeleteTask of either form removes the entry.
func (s *fileStore) PutCronTask(_ context.Context, id, expr string, action task.Action, targetID string) error {
	id, expr, targetID = strings.TrimSpace(id), strings.TrimSpace(expr), strings.TrimSpace(targetID)
	switch {
	case id == "" || strings.Contains(id, "@"):
		return fmt.Errorf("task id %q: must be non-empty and without '@'", id)
	case targetID == "":
		return fmt.Errorf("task %s: target is required", id)
	case strings.TrimSpace(action.Raw) == "":
		return fmt.Errorf("task %s: action is required", id)
	}
	if _, err := s.clock.ExpandCron(expr); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	e := taskEntry{ID: id, Cron: expr, Action: action.String(), Target: targetID}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editLocked(func(entries []taskEntry) ([]taskEntry, error) {
		return upsertEntry(entries, e), nil
	})
}

// DeleteTask removes the entry with id. An expanded id "<id>@<key>"
// removes its cron entry, and a bare "<id>" also removes fixed entries
// named "<id>@...".
func (s *fileStore) DeleteTask(_ context.Context, id string) error {
	base, _, expanded := strings.Cut(id, "@")
	matches := func(e taskEntry) bool {
		return e.ID == id ||
			(expanded && e.Cron != "" && e.ID == base) ||
			strings.HasPrefix(e.ID, id+"@")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editLocked(func(entries []taskEntry) ([]taskEntry, error) {
		kept := entries[:0:0]
		for _, e := range entries {
			if !matches(e) {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return kept, nil
	})
}
