package watch

import (
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "quiesce/pkg/logx"
)

// Target is one rule's slice of the filesystem.
type Target struct {
	// Name identifies the rule that owns this target.
	Name string
	// Paths are files or directories to watch. Directories are walked
	// recursively.
	Paths []string
	// Ignore holds basename globs (filepath.Match syntax) that never
	// produce an event.
	Ignore []string
}

// Event is a filtered filesystem change attributed to a rule.
type Event struct {
	Rule string
	Path string
	Op   fsnotify.Op
}

// Handler receives events. It must not block; heavy work belongs behind
// a debounce scheduler.
type Handler func(Event)

type Watcher struct {
	targets []Target
	handler Handler
	log     logx.Logger
}

func New(targets []Target, handler Handler, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{targets: targets, handler: handler, log: log}
}

// Run watches until ctx is cancelled. A broken fsnotify instance is
// recreated with exponential backoff; Run returns nil only on ctx
// cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sleepBackoff := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("watch init failed", logx.Err(err))
			if !sleepBackoff() {
				return nil
			}
			continue
		}

		added, err := w.addAll(fw)
		if err != nil {
			_ = fw.Close()
			w.log.Warn("watch add failed", logx.Err(err))
			if !sleepBackoff() {
				return nil
			}
			continue
		}

		backoff = backoffBase
		w.log.Debug("watcher started", logx.Int("dirs", added))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				w.dispatch(fw, ev)
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				w.log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("watcher stopped; restarting")
		if !sleepBackoff() {
			return nil
		}
	}
}

// addAll registers every target path (recursively for directories) and
// returns the number of watched directories. Missing paths are skipped
// with a warning so one bad rule doesn't take down the whole watcher.
func (w *Watcher) addAll(fw *fsnotify.Watcher) (int, error) {
	seen := map[string]bool{}
	added := 0
	for _, t := range w.targets {
		for _, p := range t.Paths {
			info, err := os.Stat(p)
			if err != nil {
				w.log.Warn("watch path unavailable",
					logx.String("rule", t.Name), logx.String("path", p), logx.Err(err))
				continue
			}
			if !info.IsDir() {
				dir := filepath.Dir(p)
				if !seen[dir] {
					if err := fw.Add(dir); err != nil {
						return added, err
					}
					seen[dir] = true
					added++
				}
				continue
			}
			err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // skip unreadable entries
				}
				if !d.IsDir() {
					return nil
				}
				if ignoredBase(t.Ignore, d.Name()) && path != p {
					return filepath.SkipDir
				}
				if seen[path] {
					return nil
				}
				if err := fw.Add(path); err != nil {
					return err
				}
				seen[path] = true
				added++
				return nil
			})
			if err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

// dispatch attributes an fsnotify event to the rules whose targets cover
// it and forwards it, once per rule. New directories are added to the
// watch set as they appear.
func (w *Watcher) dispatch(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	base := filepath.Base(ev.Name)

	for _, t := range w.targets {
		if !covers(t, ev.Name) {
			continue
		}
		if ignoredBase(t.Ignore, base) {
			continue
		}
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := fw.Add(ev.Name); err != nil {
					w.log.Warn("watch add new dir failed",
						logx.String("path", ev.Name), logx.Err(err))
				}
			}
		}
		if w.handler != nil {
			w.handler(Event{Rule: t.Name, Path: ev.Name, Op: ev.Op})
		}
	}
}

// covers reports whether path falls under one of the target's paths.
// File targets match by exact name, directory targets by prefix.
func covers(t Target, path string) bool {
	path = filepath.Clean(path)
	for _, p := range t.Paths {
		p = filepath.Clean(p)
		if path == p {
			return true
		}
		if strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func ignoredBase(globs []string, base string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, base); err == nil && ok {
			return true
		}
	}
	return false
}
