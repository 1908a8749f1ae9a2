package app

import (
	"context"
	"strings"
	"time"

	"quiesce/internal/config"
	"quiesce/internal/eventbus"
	"quiesce/internal/observability/pprof"
	"quiesce/internal/runtime/supervisor"
	"quiesce/internal/storage"
	"quiesce/internal/watch"
	logx "quiesce/pkg/logx"
)

// StopReason labels why the daemon is shutting down.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	pprof *pprof.Service

	gen *generation
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("run history enabled", logx.String("path", sc.Path))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		pprof:   pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof"))),
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil || !cfg.Storage.Enabled {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Enabled:     true,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
		KeepRuns:    cfg.Storage.KeepRuns,
	}, true, nil
}

// Done is closed when the app supervisor context is cancelled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	a.gen = newGeneration(a.sup.Context(), cfg, a.bus, a.log)
	a.startGeneration(a.gen)

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("history.record", func(c context.Context) {
			defer unsub()
			recordRuns(c, events, a.store, a.log.With(logx.String("comp", "history")))
		})
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("rules", len(cfg.Rules)),
		logx.Bool("history", a.store != nil))
	return nil
}

func (a *App) startGeneration(g *generation) {
	g.start(func(ctx context.Context, w *watch.Watcher) {
		// The generation ctx is a child of the supervisor ctx, so this
		// goroutine ends on reload and on shutdown alike.
		a.sup.Go0("watch.run", func(context.Context) {
			_ = w.Run(ctx)
		})
	})
}

// reloadLoop applies committed configs as they arrive: logging updates
// in place, rule changes by swapping in a fresh generation.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, changedRules := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			lastApplied = newCfg

			rebuildRules := false
			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "storage":
					a.log.Warn("storage config changed; restart required for changes to take effect")
				case "pprof":
					a.pprof.Reconfigure(ctx, mapPprofConfig(newCfg))
				case "rules", "watch":
					rebuildRules = true
				}
			}

			if rebuildRules {
				if len(changedRules) > 0 {
					a.log.Debug("rule changes detected",
						logx.String("rules", strings.Join(changedRules, ",")))
				}
				old := a.gen
				a.gen = newGeneration(a.sup.Context(), newCfg, a.bus, a.log)
				if old != nil {
					old.stop()
				}
				a.startGeneration(a.gen)
			}

			if a.bus != nil {
				a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
			}
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	if a.gen != nil {
		a.gen.stop()
		a.gen = nil
	}
	if a.pprof != nil {
		a.pprof.Stop(ctx)
	}

	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("shutdown wait", logx.Err(err))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
