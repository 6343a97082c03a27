package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/feed"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
)

// #region types
// Config describes one replay run. Records without a timestamp advance the
// virtual clock by Step; ticks fire every TickEvery of virtual time.
type Config struct {
	Options   controller.Options
	Start     time.Time
	Step      time.Duration
	TickEvery time.Duration
	// Persist routes ticks through an in-memory gateway so the run also
	// exercises snapshot encoding.
	Persist bool
}

// DefaultConfig replays at one record per second with a tick per minute.
func DefaultConfig() Config {
	return Config{
		Options:   controller.DefaultOptions(),
		Start:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:      time.Second,
		TickEvery: time.Minute,
	}
}

// StepResult is the controller state right after one record.
type StepResult struct {
	Index      int                `json:"index"`
	At         time.Time          `json:"at"`
	Grade      string             `json:"grade"`
	Accepted   bool               `json:"accepted"`
	Error      string             `json:"error,omitempty"`
	Rate       float64            `json:"rate"`
	Escalated  bool               `json:"escalated"`
	Thresholds map[string]float64 `json:"thresholds"`
	// EvalReason is set when the state after this record broke a bound.
	EvalReason string `json:"evalReason,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	RunID       string `json:"runId"`
	Total       int    `json:"total"`
	Accepted    int    `json:"accepted"`
	Rejected    int    `json:"rejected"`
	Ticks       int    `json:"ticks"`
	Escalations int    `json:"escalations"`
	// EvalFailures counts steps whose state broke a bound.
	EvalFailures int               `json:"evalFailures"`
	Persisted    bool              `json:"persisted"`
	Report       controller.Report `json:"report"`
	Status       controller.Status `json:"status"`
}

// #endregion types

// #region replay
// Replay feeds envs through a fresh controller on a virtual clock and
// closes it at the end. Rejected records are reported, not fatal.
func Replay(ctx context.Context, envs []feed.Envelope, cfg Config) ([]StepResult, Summary, error) {
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = time.Minute
	}
	start := cfg.Start
	if start.IsZero() && len(envs) > 0 && !envs[0].At.IsZero() {
		start = envs[0].At
	}
	clk := clock.NewMock()
	if start.IsZero() {
		start = clk.Now()
	}
	clk.Set(start)

	runID := uuid.NewString()
	opts := cfg.Options
	opts.Clock = clk
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("run_id", runID))

	var gw *state.Gateway
	if cfg.Persist {
		gw = state.NewGateway(state.NewMemoryKV(), state.DefaultGatewayConfig(), clk, opts.Logger)
		opts.Gateway = gw
	}

	c, err := controller.New(opts)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("build controller: %w", err)
	}

	harness := eval.NewEvalHarness(evalConfig(opts))
	sum := Summary{RunID: runID, Total: len(envs)}
	results := make([]StepResult, 0, len(envs))
	now := start
	nextTick := start.Add(cfg.TickEvery)

	for i, env := range envs {
		if err := ctx.Err(); err != nil {
			return results, sum, err
		}
		at := now.Add(cfg.Step)
		if i == 0 {
			at = now
		}
		if !env.At.IsZero() && env.At.After(now) {
			at = env.At
		}

		for !nextTick.After(at) {
			clk.Set(nextTick)
			if err := c.Tick(ctx); err != nil {
				return results, sum, fmt.Errorf("tick at %s: %w", nextTick.Format(time.RFC3339), err)
			}
			sum.Ticks++
			nextTick = nextTick.Add(cfg.TickEvery)
		}
		clk.Set(at)
		now = at

		res := StepResult{Index: i, At: at, Grade: env.Grade}
		if err := c.ProcessFeedback(env.FeedbackRecord); err != nil {
			res.Error = err.Error()
			sum.Rejected++
		} else {
			res.Accepted = true
			sum.Accepted++
		}
		st := c.Status()
		res.Rate = st.CurrentRate
		res.Escalated = st.Escalated
		res.Thresholds = make(map[string]float64, len(st.Thresholds))
		for k, th := range st.Thresholds {
			res.Thresholds[k] = th.Current
		}
		if ev := harness.Run(st); !ev.Passed {
			res.EvalReason = ev.Reason
			sum.EvalFailures++
		}
		results = append(results, res)
	}

	sum.Report = c.Report()
	if err := c.Close(ctx); err != nil {
		return results, sum, fmt.Errorf("close controller: %w", err)
	}
	sum.Status = c.Status()
	sum.Escalations = len(sum.Status.Escalations)
	if gw != nil {
		sum.Persisted = gw.Load(ctx) != nil
	}
	return results, sum, nil
}

// evalConfig derives the bounds to check from the controller options.
func evalConfig(opts controller.Options) eval.EvalConfig {
	cfg := eval.DefaultEvalConfig()
	if opts.Threshold.GlobalFloor > 0 {
		cfg.FloorRatio = opts.Threshold.GlobalFloor
	}
	if opts.Threshold.GlobalCeiling > 0 {
		cfg.CeilingRatio = opts.Threshold.GlobalCeiling
	}
	if opts.Gate.EmergencyRatio > 0 {
		cfg.EmergencyRatio = opts.Gate.EmergencyRatio
	}
	return cfg
}

// #endregion replay
