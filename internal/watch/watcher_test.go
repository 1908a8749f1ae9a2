package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "quiesce/pkg/logx"
)

func TestCoversMatchesFilesAndSubtrees(t *testing.T) {
	t.Parallel()

	dir := Target{Name: "d", Paths: []string{"/srv/site"}}
	file := Target{Name: "f", Paths: []string{"/etc/app/config.yaml"}}

	cases := []struct {
		target Target
		path   string
		want   bool
	}{
		{dir, "/srv/site", true},
		{dir, "/srv/site/css/main.css", true},
		{dir, "/srv/sitemap.xml", false},
		{dir, "/srv", false},
		{file, "/etc/app/config.yaml", true},
		{file, "/etc/app/config.yaml.bak", false},
	}
	for _, c := range cases {
		if got := covers(c.target, c.path); got != c.want {
			t.Errorf("covers(%q, %q) = %v, want %v", c.target.Name, c.path, got, c.want)
		}
	}
}

func TestIgnoredBaseGlobs(t *testing.T) {
	t.Parallel()

	globs := []string{"*.swp", ".git", "*~"}
	cases := []struct {
		base string
		want bool
	}{
		{"main.go.swp", true},
		{".git", true},
		{"notes.txt~", true},
		{"main.go", false},
		{"gitlog.txt", false},
	}
	for _, c := range cases {
		if got := ignoredBase(globs, c.base); got != c.want {
			t.Errorf("ignoredBase(%q) = %v, want %v", c.base, got, c.want)
		}
	}
}

func TestRunDeliversEventsForWatchedTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sub := filepath.Join(root, "assets")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got := make(chan Event, 16)
	w := New(
		[]Target{{Name: "site", Paths: []string{root}, Ignore: []string{"*.tmp"}}},
		func(ev Event) { got <- ev },
		logx.Logger{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	// Give the watcher a moment to register the tree.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "main.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Rule != "site" {
			t.Fatalf("expected rule site, got %q", ev.Rule)
		}
		if filepath.Base(ev.Path) != "main.css" {
			t.Fatalf("expected main.css event, got %q", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered for watched file")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestRunSkipsIgnoredBasenames(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	got := make(chan Event, 16)
	w := New(
		[]Target{{Name: "site", Paths: []string{root}, Ignore: []string{"*.swp"}}},
		func(ev Event) { got <- ev },
		logx.Logger{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "buffer.swp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-got:
		t.Fatalf("ignored file produced event: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}
