// Package watch turns filesystem activity into per-rule triggers.
//
// A single fsnotify watcher covers every rule's paths. Directories are
// added recursively, newly created subdirectories are picked up on the
// fly, and ignored basenames never produce a trigger. The watcher is
// self-healing: when the underlying fsnotify instance breaks it is
// recreated with a jittered backoff.
package watch
