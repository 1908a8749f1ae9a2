package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"quiesce/internal/config"
	"quiesce/internal/eventbus"
	"quiesce/internal/runner"
	"quiesce/internal/storage"
	"quiesce/pkg/debounce"
	logx "quiesce/pkg/logx"
)

func testConfig(rules ...config.RuleConfig) *config.Config {
	return &config.Config{
		Watch: config.WatchConfig{SettleDefault: "10ms"},
		Rules: rules,
	}
}

func TestGenerationManualTriggerRunsCommand(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.RuleConfig{
		Name:    "hello",
		Paths:   []string{t.TempDir()},
		Command: []string{"sh", "-c", "echo done"},
	})

	g := newGeneration(context.Background(), cfg, nil, logx.Logger{})
	defer g.stop()

	rt := g.rules["hello"]
	if rt == nil {
		t.Fatal("rule runtime missing")
	}
	inv := rt.trigger("manual")

	select {
	case <-inv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if inv.Outcome() != debounce.OutcomeCompleted {
		t.Fatalf("expected completed, got %v", inv.Outcome())
	}
	res := inv.Value()
	if res.ExitCode != 0 || !strings.Contains(res.Output, "done") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Trigger != "manual" {
		t.Fatalf("expected manual trigger, got %q", res.Trigger)
	}
}

func TestGenerationCoalescesTriggerBurst(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.RuleConfig{
		Name:    "burst",
		Paths:   []string{t.TempDir()},
		Settle:  "50ms",
		Command: []string{"true"},
	})

	g := newGeneration(context.Background(), cfg, nil, logx.Logger{})
	defer g.stop()

	rt := g.rules["burst"]
	first := rt.trigger("watch")
	second := rt.trigger("watch")

	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second trigger did not finish")
	}
	if !first.Cancelled() {
		t.Fatalf("expected first trigger superseded, got %v", first.Outcome())
	}
	if second.Outcome() != debounce.OutcomeCompleted {
		t.Fatalf("expected second trigger to run, got %v", second.Outcome())
	}
}

func TestGenerationSkipsInvalidRule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.RuleConfig{
		Name:    "bad",
		Paths:   []string{t.TempDir()},
		Timeout: "not-a-duration",
		Command: []string{"true"},
	})

	g := newGeneration(context.Background(), cfg, nil, logx.Logger{})
	defer g.stop()

	if _, ok := g.rules["bad"]; ok {
		t.Fatal("rule with invalid timeout should be skipped")
	}
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.RunRecord
}

func (m *memStore) AppendRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) RecentRuns(context.Context, string, int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunRecord(nil), m.recs...), nil
}

func (m *memStore) Close() error { return nil }

func TestRecordRunsPersistsFinishedEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		recordRuns(ctx, events, store, logx.Logger{})
	}()

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRunFinished,
		Data: runner.Finished{Result: runner.RunResult{
			Rule: "r", Trigger: "watch", Started: time.Now(), ExitCode: 0,
		}},
	})
	// Unrelated events are ignored.
	bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: runner.RunResult{Rule: "r"}})

	deadline := time.After(2 * time.Second)
	for {
		recs, _ := store.RecentRuns(context.Background(), "", 10)
		if len(recs) == 1 {
			if recs[0].Rule != "r" || recs[0].Trigger != "watch" {
				t.Fatalf("unexpected record: %+v", recs[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 1 record, got %d", len(recs))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStorageConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("nil storage should be disabled (enabled=%v err=%v)", enabled, err)
	}

	cfg := &config.Config{Storage: &config.StorageConfig{
		Enabled: true, Path: " ./runs.db ", BusyTimeout: "2s", KeepRuns: 50,
	}}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("expected enabled storage, got enabled=%v err=%v", enabled, err)
	}
	if sc.Path != "./runs.db" || sc.BusyTimeout != 2*time.Second || sc.KeepRuns != 50 {
		t.Fatalf("unexpected mapping: %+v", sc)
	}
}
