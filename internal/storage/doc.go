// Package storage persists quiesced's run history.
//
// It currently supports:
//   - Appending one row per command run (rule, trigger, outcome)
//   - Querying recent runs per rule
//   - Size-bounded pruning of old rows
package storage
