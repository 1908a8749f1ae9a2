package app

import (
	"context"

	"quiesce/internal/eventbus"
	"quiesce/internal/runner"
	"quiesce/internal/storage"
	logx "quiesce/pkg/logx"
)

// recordRuns consumes run.finished events and appends them to the
// history store. It returns when ctx is cancelled or the subscription
// channel closes.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeRunFinished {
				continue
			}
			fin, ok := ev.Data.(runner.Finished)
			if !ok {
				continue
			}
			rec := storage.RunRecord{
				Rule:     fin.Result.Rule,
				Trigger:  fin.Result.Trigger,
				Started:  fin.Result.Started,
				Duration: fin.Result.Duration,
				ExitCode: fin.Result.ExitCode,
				Output:   fin.Result.Output,
			}
			if fin.Err != nil {
				rec.Error = fin.Err.Error()
			}
			if err := store.AppendRun(ctx, rec); err != nil && ctx.Err() == nil {
				log.Warn("run history append failed",
					logx.String("rule", rec.Rule), logx.Err(err))
			}
		}
	}
}
