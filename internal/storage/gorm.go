package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

type taskRow struct {
	ID        string `gorm:"primaryKey;size:191"`
	Snap      int    `gorm:"index;not null"`
	Action    string `gorm:"size:64;not null"`
	Target    string `gorm:"size:191;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (taskRow) TableName() string { return "slotkeeper_tasks" }

type targetLogRow struct {
	ID     uint64    `gorm:"primaryKey;autoIncrement"`
	Target string    `gorm:"size:191;index:idx_target_log_target;not null"`
	At     time.Time `gorm:"not null"`
	Msg    string    `gorm:"type:text;not null"`
}

func (targetLogRow) TableName() string { return "slotkeeper_target_log" }

type dedupRow struct {
	Key   string `gorm:"column:dedup_key;primaryKey;size:191"`
	Until int64  `gorm:"column:until_ms;not null"`
}

func (dedupRow) TableName() string { return "slotkeeper_dedup" }

// gormStore backs postgres and mysql.
type gormStore struct {
	db    *gorm.DB
	log   logx.Logger
	clock slot.Clock
}

func openGorm(driver string, cfg Config, clock slot.Clock, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required for %s driver", driver)
	}
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&taskRow{}, &targetLogRow{}, &dedupRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	log.Info("database store opened")
	return &gormStore{db: db, log: log, clock: clock}, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) TasksDueAt(ctx context.Context, key slot.Key) ([]task.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("snap = ?", int(key)).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return taskRows(rows), nil
}

func (s *gormStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("snap, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return taskRows(rows), nil
}

func taskRows(rows []taskRow) []task.Task {
	out := make([]task.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowTask(r.ID, r.Snap, r.Action, r.Target))
	}
	return out
}

func (s *gormStore) PutTask(ctx context.Context, t task.Task) error {
	if err := validateTask(t, s.clock); err != nil {
		return err
	}
	row := taskRow{ID: t.ID, Snap: int(t.Snap), Action: t.Action.String(), Target: t.TargetID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"snap", "action", "target", "updated_at"}),
	}).Create(&row).Error
}

func (s *gormStore) DeleteTask(ctx context.Context, id string) error {
	group := id + "@"
	res := s.db.WithContext(ctx).Delete(&taskRow{}, "id = ? OR SUBSTR(id, 1, ?) = ?",
		id, utf8.RuneCountInString(group), group)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *gormStore) AppendTargetLog(ctx context.Context, targetID, msg string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return s.db.WithContext(ctx).Create(&targetLogRow{Target: targetID, At: at.UTC(), Msg: msg}).Error
}

func (s *gormStore) TargetLogs(ctx context.Context, targetID string, limit int) ([]TargetLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if targetID != "" {
		q = q.Where("target = ?", targetID)
	}
	var rows []targetLogRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]TargetLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, TargetLogEntry{At: r.At, TargetID: r.Target, Msg: r.Msg})
	}
	reverse(out)
	return out, nil
}

func (s *gormStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"until_ms"}),
	}).Create(&dedupRow{Key: key, Until: until.UnixMilli()}).Error
}

func (s *gormStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var row dedupRow
	err := s.db.WithContext(ctx).Where(&dedupRow{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(row.Until), true, nil
}
