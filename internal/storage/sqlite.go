package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

// schemaVersion is stored in PRAGMA user_version. Bump it together with
// migrations.sql.
const schemaVersion = 1

//go:embed migrations.sql
var schemaSQL string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	clock slot.Clock

	// dedupWrites counts PutDedup calls; every pruneEvery-th one also
	// deletes expired marks.
	dedupWrites atomic.Uint64
}

const pruneEvery = 500

// sqliteDSN carries the pragmas so every pooled connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, clock slot.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// One writer; readers queue behind it.
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log, clock: clock}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	from, err := st.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	log.Info("sqlite store opened", logx.String("path", path), logx.Int("schema_from", from), logx.Int("schema", schemaVersion))
	return st, nil
}

// migrate applies the schema when user_version is behind and returns the
// version found.
func (s *sqliteStore) migrate(ctx context.Context) (int, error) {
	var have int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&have); err != nil {
		return 0, err
	}
	switch {
	case have == schemaVersion:
		return have, nil
	case have > schemaVersion:
		return have, fmt.Errorf("database schema %d is newer than this build (%d)", have, schemaVersion)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return have, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return have, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return have, err
	}
	return have, tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) TasksDueAt(ctx context.Context, key slot.Key) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT id, snap, action, target FROM tasks WHERE snap = ? ORDER BY id`, int(key))
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT id, snap, action, target FROM tasks ORDER BY snap, id`)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var (
			id, action, target string
			snap               int
		)
		if err := rows.Scan(&id, &snap, &action, &target); err != nil {
			return nil, err
		}
		out = append(out, rowTask(id, snap, action, target))
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTask(ctx context.Context, t task.Task) error {
	if err := validateTask(t, s.clock); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, snap, action, target, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET snap=excluded.snap, action=excluded.action, target=excluded.target`,
		t.ID, int(t.Snap), t.Action.String(), t.TargetID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	group := id + "@"
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? OR substr(id, 1, ?) = ?`,
		id, utf8.RuneCountInString(group), group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) AppendTargetLog(ctx context.Context, targetID, msg string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO target_log(target, at, msg) VALUES(?,?,?)`,
		targetID, at.UTC().Format(time.RFC3339Nano), msg)
	return err
}

func (s *sqliteStore) TargetLogs(ctx context.Context, targetID string, limit int) ([]TargetLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT target, at, msg FROM target_log ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if targetID != "" {
		q = `SELECT target, at, msg FROM target_log WHERE target = ? ORDER BY id DESC LIMIT ?`
		args = []any{targetID, limit}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TargetLogEntry
	for rows.Next() {
		var e TargetLogEntry
		var at string
		if err := rows.Scan(&e.TargetID, &at, &e.Msg); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli()); err != nil {
		return err
	}
	if s.dedupWrites.Add(1)%pruneEvery == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		if err != nil {
			s.log.Debug("dedup prune failed", logx.Err(err))
		} else if n, _ := res.RowsAffected(); n > 0 {
			s.log.Debug("dedup pruned", logx.Int("rows", int(n)))
		}
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error) {
	if key == "" {
		return until, false, nil
	}
	var ms int64
	switch err = s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return until, false, nil
	case err != nil:
		return until, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
