package storage

import (
	"fmt"
	"strings"

	logx "slotsync/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQL(sqliteDialect, cfg, log)
	case "mysql":
		return openSQL(mysqlDialect, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openSQL(postgresDialect, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
