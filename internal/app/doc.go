// Package app wires the daemon together: config, logging, the watcher,
// per-rule debounce schedulers, cron triggers, and the run-history store.
package app
