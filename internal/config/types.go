package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Watch tunes the shared file-watching layer.
	Watch WatchConfig `json:"watch,omitempty"`

	// Storage controls the optional run-history store.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Pprof exposes the optional debug HTTP endpoint.
	Pprof *PprofConfig `json:"pprof,omitempty"`

	// Rules are the debounced work streams. Each rule owns one scheduler;
	// bursts of file activity under a rule's paths coalesce into a single
	// command run per quiet period.
	Rules []RuleConfig `json:"rules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WatchConfig tunes defaults shared by all rules.
//
// All durations are Go duration strings (e.g. "500ms", "2s").
type WatchConfig struct {
	// SettleDefault is the quiet period applied to rules that don't set
	// their own. Defaults to "500ms".
	SettleDefault string `json:"settle_default,omitempty"`

	// ReloadSettle is the quiet period for config-file reloads.
	// Defaults to "250ms".
	ReloadSettle string `json:"reload_settle,omitempty"`
}

// StorageConfig controls the run-history store (sqlite).
//
// Example:
//
//	"storage": { "enabled": true, "path": "./quiesce.db" }
type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
	// KeepRuns bounds the run history; older rows are pruned. 0 keeps the
	// default of 1000.
	KeepRuns int `json:"keep_runs,omitempty"`
}

// PprofConfig controls the debug HTTP server.
//
// Binding beyond loopback requires a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// RuleConfig describes one debounced work stream.
//
// All durations are Go duration strings.
type RuleConfig struct {
	// Name identifies the rule in logs, history, and reload diffs.
	// Names must be unique.
	Name string `json:"name"`

	// Paths are files or directories to watch. Directories are watched
	// recursively.
	Paths []string `json:"paths"`

	// Ignore holds basename globs (path.Match syntax) whose events are
	// dropped before they reach the rule's scheduler.
	Ignore []string `json:"ignore,omitempty"`

	// Settle is the quiet period after the last event before Command runs.
	// Falls back to watch.settle_default.
	Settle string `json:"settle,omitempty"`

	// Command is the argv to execute once activity settles.
	Command []string `json:"command"`

	// Dir is the working directory for Command. Empty means the daemon's.
	Dir string `json:"dir,omitempty"`

	// Timeout bounds one command run. "0s" or empty disables the bound.
	Timeout string `json:"timeout,omitempty"`

	// Schedule is an optional cron spec (robfig/cron 5-field or
	// descriptor like "@hourly") that forces a run through the same
	// debounced stream, independent of file activity.
	Schedule string `json:"schedule,omitempty"`

	// MaxPerMinute caps how often the command may actually run. Runs
	// beyond the cap are skipped, not queued. 0 means no cap.
	MaxPerMinute int `json:"max_per_minute,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("watch.settle_default", c.Watch.SettleDefault); err != nil {
		return err
	}
	if _, err := ParseDurationField("watch.reload_settle", c.Watch.ReloadSettle); err != nil {
		return err
	}
	if c.Storage != nil && c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required when storage is enabled")
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate rule name %q", where, name)
		}
		seen[name] = true
		if len(r.Paths) == 0 && strings.TrimSpace(r.Schedule) == "" {
			return fmt.Errorf("%s (%s): needs paths or a schedule", where, name)
		}
		if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
			return fmt.Errorf("%s (%s): command is required", where, name)
		}
		if _, err := ParseDurationField(where+".settle", r.Settle); err != nil {
			return err
		}
		if _, err := ParseDurationField(where+".timeout", r.Timeout); err != nil {
			return err
		}
		if r.MaxPerMinute < 0 {
			return fmt.Errorf("%s (%s): max_per_minute must be >= 0", where, name)
		}
	}
	return nil
}

// SettleDefault returns the effective default quiet period.
func (c *Config) SettleDefault() time.Duration {
	d, err := ParseDurationOrDefault("watch.settle_default", c.Watch.SettleDefault, 500*time.Millisecond)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// ReloadSettle returns the effective config-reload quiet period.
func (c *Config) ReloadSettle() time.Duration {
	d, err := ParseDurationOrDefault("watch.reload_settle", c.Watch.ReloadSettle, 250*time.Millisecond)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// SettleFor returns the quiet period for one rule, honouring the rule's
// own setting first.
func (c *Config) SettleFor(r RuleConfig) time.Duration {
	d, err := ParseDurationOrDefault("rule.settle", r.Settle, c.SettleDefault())
	if err != nil {
		return c.SettleDefault()
	}
	return d
}
