package storage

import (
	"errors"
	"strings"

	"slotkeeper/internal/slot"
	logx "slotkeeper/pkg/logx"
)

// Open initializes the configured store. The clock resolves slot names in
// the file driver and bounds task keys everywhere.
// It returns ErrDisabled if storage is disabled.
func Open(cfg Config, clock slot.Clock, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if err := clock.Validate(); err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, clock, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, clock, log)
	case "postgres", "postgresql", "mysql":
		return openGorm(driver, cfg, clock, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
