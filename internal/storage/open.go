package storage

import (
	"context"

	logx "quiesce/pkg/logx"
)

// Store is the minimal persistence API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, rule string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
