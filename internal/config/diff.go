package config

import (
	"encoding/json"
	"sort"
	"strings"

	logx "quiesce/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) the names of rules
// that were added, removed, or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Watch defaults
	if strings.TrimSpace(oldCfg.Watch.SettleDefault) != strings.TrimSpace(newCfg.Watch.SettleDefault) ||
		strings.TrimSpace(oldCfg.Watch.ReloadSettle) != strings.TrimSpace(newCfg.Watch.ReloadSettle) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.Duration("watch.settle_default", newCfg.SettleDefault()),
			logx.Duration("watch.reload_settle", newCfg.ReloadSettle()),
		)
	}

	// Storage
	oldSt, newSt := oldCfg.Storage, newCfg.Storage
	if (oldSt == nil) != (newSt == nil) ||
		(oldSt != nil && newSt != nil &&
			(oldSt.Enabled != newSt.Enabled ||
				strings.TrimSpace(oldSt.Path) != strings.TrimSpace(newSt.Path) ||
				strings.TrimSpace(oldSt.BusyTimeout) != strings.TrimSpace(newSt.BusyTimeout) ||
				oldSt.KeepRuns != newSt.KeepRuns)) {
		changed = append(changed, "storage")
		if newSt != nil {
			attrs = append(attrs,
				logx.Bool("storage.enabled", newSt.Enabled),
				logx.String("storage.path", strings.TrimSpace(newSt.Path)),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.enabled", false))
		}
	}

	// Pprof
	oldPP, newPP := oldCfg.Pprof, newCfg.Pprof
	if (oldPP == nil) != (newPP == nil) ||
		(oldPP != nil && newPP != nil && *oldPP != *newPP) {
		changed = append(changed, "pprof")
		if newPP != nil {
			attrs = append(attrs,
				logx.Bool("pprof.enabled", newPP.Enabled),
				logx.String("pprof.addr", strings.TrimSpace(newPP.Addr)),
			)
		} else {
			attrs = append(attrs, logx.Bool("pprof.enabled", false))
		}
	}

	// Rules: compare per-name canonical hashes so key order and formatting
	// changes don't count as modifications.
	oldRules := ruleHashes(oldCfg.Rules)
	newRules := ruleHashes(newCfg.Rules)
	changedRules := make([]string, 0, 4)
	for name, h := range newRules {
		if oh, ok := oldRules[name]; !ok || oh != h {
			changedRules = append(changedRules, name)
		}
	}
	for name := range oldRules {
		if _, ok := newRules[name]; !ok {
			changedRules = append(changedRules, name)
		}
	}
	sort.Strings(changedRules)
	if len(changedRules) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.count", len(newCfg.Rules)),
			logx.Int("rules.changed", len(changedRules)),
		)
	}

	return changed, attrs, changedRules
}

func ruleHashes(rules []RuleConfig) map[string]uint64 {
	out := make(map[string]uint64, len(rules))
	for _, r := range rules {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(r.Name)] = hashBytes(b)
	}
	return out
}
