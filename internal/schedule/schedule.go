package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
)

// #region scheduler
// Scheduler drives the controller: a periodic tick and one callback per
// completed evaluation.
type Scheduler interface {
	OnTick(fn func(ctx context.Context))
	OnFeedback(fn func(rec controller.FeedbackRecord))
}

// Bind registers c's Tick and ProcessFeedback with s. Errors are logged;
// rejected records have already been counted by the controller.
func Bind(s Scheduler, c *controller.Controller, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "schedule"))
	s.OnTick(func(ctx context.Context) {
		if err := c.Tick(ctx); err != nil && !errors.Is(err, controller.ErrClosed) {
			logger.Warn("Tick failed", slog.String("error", err.Error()))
		}
	})
	s.OnFeedback(func(rec controller.FeedbackRecord) {
		if err := c.ProcessFeedback(rec); err != nil && !errors.Is(err, controller.ErrClosed) {
			logger.Debug("Feedback rejected", slog.String("error", err.Error()))
		}
	})
}

// #endregion scheduler

// #region ticker
// Ticker is a Scheduler on a clock. Ticks run on one goroutine, so a tick
// that outlasts the interval swallows the ticks that fire meanwhile.
// Feedback is delivered synchronously, one record at a time, in call order.
type Ticker struct {
	clock    clock.Clock
	interval time.Duration

	mu         sync.Mutex
	tickFns    []func(context.Context)
	feedbackFn []func(controller.FeedbackRecord)
	deliver    sync.Mutex

	ticker   *clock.Ticker
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewTicker returns a stopped ticker. A nil clock uses the wall clock.
func NewTicker(clk clock.Clock, interval time.Duration) *Ticker {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Ticker{clock: clk, interval: interval}
}

// OnTick registers a tick callback.
func (t *Ticker) OnTick(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickFns = append(t.tickFns, fn)
}

// OnFeedback registers a feedback callback.
func (t *Ticker) OnFeedback(fn func(rec controller.FeedbackRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feedbackFn = append(t.feedbackFn, fn)
}

// Start arms the timer and begins ticking until ctx is done or Stop is
// called. Calling Start twice is an error.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return errors.New("ticker already started")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.ticker = t.clock.Ticker(t.interval)
	t.done = make(chan struct{})
	go t.loop(ctx, t.ticker, t.done)
	return nil
}

func (t *Ticker) loop(ctx context.Context, tk *clock.Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.mu.Lock()
			fns := append([]func(context.Context){}, t.tickFns...)
			t.mu.Unlock()
			for _, fn := range fns {
				fn(ctx)
			}
		}
	}
}

// Deliver hands one record to every feedback callback before returning.
func (t *Ticker) Deliver(rec controller.FeedbackRecord) {
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.mu.Lock()
	fns := append([]func(controller.FeedbackRecord){}, t.feedbackFn...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// Stop cancels the loop, waits for an in-flight tick to finish and
// releases the timer. Safe to call more than once, or before Start.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cancel, tk, done := t.cancel, t.ticker, t.done
		t.mu.Unlock()
		if tk == nil {
			return
		}
		cancel()
		<-done
		tk.Stop()
	})
}

// #endregion ticker
