package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the run-history store.
//
// If Enabled is false, storage is disabled and Open returns (nil, nil).
type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means default
	// KeepRuns bounds the history; older rows are pruned. 0 keeps 1000.
	KeepRuns int
}

// RunRecord records one command run.
// Keep it compact and schema-stable.
type RunRecord struct {
	Rule     string
	Trigger  string // "watch", "schedule", or "manual"
	Started  time.Time
	Duration time.Duration
	ExitCode int
	Error    string
	Output   string // truncated tail of combined output
}
