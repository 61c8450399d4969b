package lockstore

import (
	"errors"
	"strings"

	logx "tasksched/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if no driver is configured.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("lockstore"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown lock store driver: " + driver)
	}
}
