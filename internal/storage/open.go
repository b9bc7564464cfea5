package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "timerd/pkg/logx"
)

// Store is the run-history API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// Runs returns the newest records first. An empty jobID matches all
	// jobs; limit <= 0 means no limit.
	Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error)
	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
