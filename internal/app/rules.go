package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"quiesce/internal/config"
	"quiesce/internal/eventbus"
	"quiesce/internal/runner"
	"quiesce/internal/watch"
	"quiesce/pkg/debounce"
	logx "quiesce/pkg/logx"
)

// ruleRuntime is one live rule: a runner behind a debounce scheduler.
// Every trigger source (watch, cron, manual) funnels through the same
// scheduler, so a cron tick landing mid-burst coalesces with the burst.
type ruleRuntime struct {
	name   string
	runner *runner.Runner
	sched  *debounce.Scheduler[runner.RunResult]
}

func (rt *ruleRuntime) trigger(kind string) *debounce.Invocation[runner.RunResult] {
	return rt.sched.Schedule(func(ctx context.Context) (runner.RunResult, error) {
		return rt.runner.Run(ctx, kind)
	})
}

// generation is one config's worth of rule runtimes. Config reloads that
// touch rules tear down the old generation and build a fresh one.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc

	rules   map[string]*ruleRuntime
	cron    *cron.Cron
	watcher *watch.Watcher
}

func newGeneration(parent context.Context, cfg *config.Config, bus eventbus.Bus, log logx.Logger) *generation {
	ctx, cancel := context.WithCancel(parent)
	g := &generation{
		ctx:    ctx,
		cancel: cancel,
		rules:  make(map[string]*ruleRuntime, len(cfg.Rules)),
	}

	cr := cron.New(cron.WithLogger(cronLogger{log: log.With(logx.String("comp", "cron"))}))

	var targets []watch.Target
	for _, rc := range cfg.Rules {
		spec, err := ruleSpec(rc)
		if err != nil {
			log.Warn("rule skipped", logx.String("rule", rc.Name), logx.Err(err))
			continue
		}
		rt := &ruleRuntime{
			name:   rc.Name,
			runner: runner.New(spec, bus, log.With(logx.String("rule", rc.Name))),
			sched: debounce.New[runner.RunResult](ctx, cfg.SettleFor(rc),
				debounce.WithLogger(log), debounce.WithName(rc.Name)),
		}
		g.rules[rc.Name] = rt

		if rc.Schedule != "" {
			if _, err := cr.AddFunc(rc.Schedule, func() { rt.trigger("schedule") }); err != nil {
				log.Warn("invalid cron schedule",
					logx.String("rule", rc.Name),
					logx.String("schedule", rc.Schedule),
					logx.Err(err))
			}
		}
		if len(rc.Paths) > 0 {
			targets = append(targets, watch.Target{Name: rc.Name, Paths: rc.Paths, Ignore: rc.Ignore})
		}
	}

	g.cron = cr
	if len(targets) > 0 {
		g.watcher = watch.New(targets, func(ev watch.Event) {
			if rt, ok := g.rules[ev.Rule]; ok {
				rt.trigger("watch")
			}
		}, log.With(logx.String("comp", "watch")))
	}
	return g
}

// start launches the generation's cron and watcher. runWatch is expected
// to run the watcher loop on a supervised goroutine.
func (g *generation) start(runWatch func(ctx context.Context, w *watch.Watcher)) {
	g.cron.Start()
	if g.watcher != nil {
		runWatch(g.ctx, g.watcher)
	}
}

// stop cancels the generation: pending settles and in-flight commands
// are cancelled, the cron stops, and every scheduler is closed.
func (g *generation) stop() {
	g.cancel()
	<-g.cron.Stop().Done()
	for _, rt := range g.rules {
		_ = rt.sched.Close()
	}
}

func ruleSpec(rc config.RuleConfig) (runner.Spec, error) {
	timeout, err := config.ParseDurationField("rule.timeout", rc.Timeout)
	if err != nil {
		return runner.Spec{}, err
	}
	return runner.Spec{
		Rule:         rc.Name,
		Command:      rc.Command,
		Dir:          rc.Dir,
		Timeout:      timeout,
		MaxPerMinute: rc.MaxPerMinute,
	}, nil
}

// cronLogger adapts logx to cron's logging interface.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, logx.Any("details", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Warn(msg, logx.Err(err), logx.Any("details", kv))
}
