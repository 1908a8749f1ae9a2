// Package runner executes rule commands and reports their outcomes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"quiesce/internal/eventbus"
	logx "quiesce/pkg/logx"
)

// outputTail bounds how much combined output a RunResult carries.
const outputTail = 8 * 1024

// ErrRateLimited is returned when a rule exceeds its max_per_minute cap.
// The triggering activity is simply skipped; the next settle will try again.
var ErrRateLimited = errors.New("runner: run rate limit exceeded")

// Spec describes one executable rule.
type Spec struct {
	// Rule is the owning rule's name, used for logs and history.
	Rule string
	// Command is argv; Command[0] is the binary.
	Command []string
	// Dir is the working directory ("" means inherit).
	Dir string
	// Timeout bounds a single run (0 means no limit).
	Timeout time.Duration
	// MaxPerMinute caps run frequency (0 means uncapped).
	MaxPerMinute int
}

// RunResult is the outcome of one command run.
type RunResult struct {
	Rule     string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	ExitCode int
	// Output holds the tail of combined stdout+stderr.
	Output string
}

// Runner executes Specs one at a time per instance, publishing
// run.started and run.finished events on the bus.
type Runner struct {
	spec    Spec
	limiter *rate.Limiter
	bus     eventbus.Bus
	log     logx.Logger
}

func New(spec Spec, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if spec.MaxPerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(spec.MaxPerMinute)/60.0), spec.MaxPerMinute)
	}
	return &Runner{spec: spec, limiter: lim, bus: bus, log: log}
}

// Run executes the rule's command once. trigger names what caused the
// run ("watch", "schedule", "manual"). The returned error is non-nil for
// rate-limited, failed, or cancelled runs; the RunResult is valid in the
// failed case and carries the exit code and output tail.
func (r *Runner) Run(ctx context.Context, trigger string) (RunResult, error) {
	res := RunResult{Rule: r.spec.Rule, Trigger: trigger, Started: time.Now()}

	if r.limiter != nil && !r.limiter.Allow() {
		r.log.Warn("run skipped by rate limit",
			logx.String("rule", r.spec.Rule),
			logx.Int("max_per_minute", r.spec.MaxPerMinute))
		return res, ErrRateLimited
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.spec.Timeout)
		defer cancel()
	}

	if len(r.spec.Command) == 0 {
		return res, fmt.Errorf("rule %s: empty command", r.spec.Rule)
	}

	cmd := exec.CommandContext(runCtx, r.spec.Command[0], r.spec.Command[1:]...)
	cmd.Dir = r.spec.Dir
	cmd.WaitDelay = 5 * time.Second

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: res})
	}
	r.log.Info("run started",
		logx.String("rule", r.spec.Rule),
		logx.String("trigger", trigger),
		logx.String("command", r.spec.Command[0]))

	out, err := cmd.CombinedOutput()
	res.Duration = time.Since(res.Started)
	res.Output = tail(out, outputTail)

	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if cause := runCtx.Err(); cause != nil {
			err = fmt.Errorf("rule %s: %w", r.spec.Rule, cause)
		} else {
			err = fmt.Errorf("rule %s: %w", r.spec.Rule, err)
		}
		r.publishFinished(res, err)
		r.log.Warn("run failed",
			logx.String("rule", r.spec.Rule),
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("duration", res.Duration),
			logx.Err(err))
		return res, err
	}

	r.publishFinished(res, nil)
	r.log.Info("run finished",
		logx.String("rule", r.spec.Rule),
		logx.Duration("duration", res.Duration))
	return res, nil
}

// Finished is the run.finished payload.
type Finished struct {
	Result RunResult
	Err    error
}

func (r *Runner) publishFinished(res RunResult, err error) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: Finished{Result: res, Err: err}})
}

// tail returns the last n bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
