package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"slotkeeper/internal/slot"
	logx "slotkeeper/pkg/logx"
)

// compactEvery is the number of dedup journal writes between snapshots.
const compactEvery = 1000

// fileStore keeps state in plain files next to a path prefix:
//
//	<prefix>.tasks.yaml     tasks, operator-editable, re-read on change
//	<prefix>.targets.jsonl  target log, append-only
//	<prefix>.dedup.json     dedup snapshot
//	<prefix>.dedup.jsonl    dedup journal since the snapshot
type fileStore struct {
	log   logx.Logger
	clock slot.Clock

	mu      sync.Mutex
	closed  bool
	tasks   tasksFile
	targets *jsonl
	dedup   dedupTable
}

func openFile(cfg Config, clock slot.Clock, log logx.Logger) (Store, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	prefix := strings.TrimSuffix(p, filepath.Ext(p))
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, clock: clock, tasks: tasksFile{path: prefix + ".tasks.yaml", clock: clock}}
	if err := s.tasks.load(); err != nil {
		return nil, err
	}
	var err error
	if s.targets, err = openJSONL(prefix + ".targets.jsonl"); err != nil {
		return nil, err
	}
	if s.dedup, err = openDedup(prefix+".dedup.json", prefix+".dedup.jsonl"); err != nil {
		_ = s.targets.Close()
		return nil, err
	}
	log.Info("file store opened", logx.String("tasks", s.tasks.path), logx.Int("count", len(s.tasks.tasks)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if err := s.dedup.compact(); err != nil {
		s.log.Debug("dedup compaction failed", logx.Err(err))
	}
	return errors.Join(s.targets.Close(), s.dedup.journal.Close())
}

func (s *fileStore) AppendTargetLog(_ context.Context, targetID, msg string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.targets.Append(TargetLogEntry{At: at.UTC(), TargetID: targetID, Msg: msg})
}

// TargetLogs returns the newest limit entries for targetID, oldest first.
// An empty targetID matches every target.
func (s *fileStore) TargetLogs(_ context.Context, targetID string, limit int) ([]TargetLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []TargetLogEntry
	err := scanJSONL(s.targets.path, func(e TargetLogEntry) {
		if targetID != "" && e.TargetID != targetID {
			return
		}
		out = append(out, e)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	})
	return out, err
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.dedup.put(key, until, s.log)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.until[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// jsonl is an append-only JSON Lines file.
type jsonl struct {
	path string
	f    *os.File
}

func openJSONL(path string) (*jsonl, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &jsonl{path: path, f: f}, nil
}

func (j *jsonl) Append(v any) error { return json.NewEncoder(j.f).Encode(v) }

func (j *jsonl) Truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	_, err := j.f.Seek(0, io.SeekEnd)
	return err
}

func (j *jsonl) Close() error { return j.f.Close() }

// scanJSONL decodes each line of path into a T. Lines that fail to decode
// are skipped; a torn final write must not hide the rest of the file.
func scanJSONL[T any](path string, fn func(T)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var v T
		if json.Unmarshal(sc.Bytes(), &v) == nil {
			fn(v)
		}
	}
	return sc.Err()
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// dedupTable is an in-memory map made durable by snapshot plus journal.
type dedupTable struct {
	snapshot string
	journal  *jsonl
	until    map[string]int64 // unix milli
	writes   int
}

func openDedup(snapshot, journal string) (dedupTable, error) {
	t := dedupTable{snapshot: snapshot, until: map[string]int64{}}
	if b, err := os.ReadFile(snapshot); err == nil {
		_ = json.Unmarshal(b, &t.until)
	}
	_ = scanJSONL(journal, func(r dedupRecord) {
		if r.Key != "" {
			t.until[r.Key] = r.Until
		}
	})
	t.prune(time.Now())
	j, err := openJSONL(journal)
	if err != nil {
		return t, err
	}
	t.journal = j
	return t, nil
}

func (t *dedupTable) put(key string, until time.Time, log logx.Logger) error {
	ms := until.UnixMilli()
	t.until[key] = ms
	if err := t.journal.Append(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	if t.writes++; t.writes%compactEvery == 0 {
		if err := t.compact(); err != nil {
			log.Debug("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (t *dedupTable) prune(now time.Time) {
	for k, ms := range t.until {
		if ms < now.UnixMilli() {
			delete(t.until, k)
		}
	}
}

// compact folds the journal into a fresh snapshot.
func (t *dedupTable) compact() error {
	t.prune(time.Now())
	b, err := json.Marshal(t.until)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(t.snapshot, b); err != nil {
		return err
	}
	return t.journal.Truncate()
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
