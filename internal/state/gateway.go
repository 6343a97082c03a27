package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/ledger"
)

const tracerName = "github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"

// #region gateway-struct
// Gateway loads and saves controller state through a KV. No call returns an
// error to the caller: failures and timeouts are logged, reported through
// OnError and degrade to "nothing loaded" / "nothing saved".
type Gateway struct {
	kv     KV
	config GatewayConfig
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	// OnError is called with the operation name for every failure.
	OnError func(op string, err error)
}

// NewGateway wraps a KV. A nil clock uses the wall clock, a nil logger slog.Default().
func NewGateway(kv KV, config GatewayConfig, clk clock.Clock, logger *slog.Logger) *Gateway {
	def := DefaultGatewayConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		kv:     kv,
		config: config,
		clock:  clk,
		logger: logger.With(slog.String("component", "state")),
		tracer: otel.Tracer(tracerName),
	}
}

// #endregion gateway-struct

// #region save
// Save writes the snapshot document and, separately, the newest
// HistoryLimit records. A zero Timestamp is stamped with the gateway clock.
// Returns true only when both writes succeeded.
func (g *Gateway) Save(ctx context.Context, snap Snapshot, history []ledger.EvaluationRecord) bool {
	ctx, span := g.tracer.Start(ctx, "state.Save")
	defer span.End()

	if snap.Timestamp == 0 {
		snap.Timestamp = g.clock.Now().UnixMilli()
	}
	if len(history) > g.config.HistoryLimit {
		history = history[len(history)-g.config.HistoryLimit:]
	}
	if history == nil {
		history = []ledger.EvaluationRecord{}
	}
	span.SetAttributes(
		attribute.Int("history.records", len(history)),
		attribute.Int("thresholds", len(snap.Thresholds)),
	)

	ok := true
	doc, err := json.Marshal(snap)
	if err == nil {
		err = g.run(ctx, func(ctx context.Context) error { return g.kv.Set(ctx, StateKey, doc) })
	}
	if err != nil {
		g.fail(span, "save_state", err)
		ok = false
	}

	hist, err := json.Marshal(history)
	if err == nil {
		err = g.run(ctx, func(ctx context.Context) error { return g.kv.Set(ctx, HistoryKey, hist) })
	}
	if err != nil {
		g.fail(span, "save_history", err)
		ok = false
	}
	return ok
}

// #endregion save

// #region load
// Load returns the persisted snapshot, or nil when none exists, it cannot
// be read, or it is older than MaxAge.
func (g *Gateway) Load(ctx context.Context) *Snapshot {
	ctx, span := g.tracer.Start(ctx, "state.Load")
	defer span.End()

	var raw []byte
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		raw, err = g.kv.Get(ctx, StateKey)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil
	}
	if err != nil {
		g.fail(span, "load_state", err)
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		g.fail(span, "load_state", fmt.Errorf("decode snapshot: %w", err))
		return nil
	}

	age := g.clock.Now().Sub(snap.SavedAt())
	span.SetAttributes(attribute.Bool("found", true), attribute.Int64("age_ms", age.Milliseconds()))
	if age > g.config.MaxAge {
		g.logger.Info("Discarding stale snapshot",
			slog.Duration("age", age),
			slog.Duration("max_age", g.config.MaxAge))
		return nil
	}
	return &snap
}

// LoadHistory returns the persisted ledger records, oldest first, or nil.
func (g *Gateway) LoadHistory(ctx context.Context) []ledger.EvaluationRecord {
	ctx, span := g.tracer.Start(ctx, "state.LoadHistory")
	defer span.End()

	var raw []byte
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		raw, err = g.kv.Get(ctx, HistoryKey)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		g.fail(span, "load_history", err)
		return nil
	}

	var records []ledger.EvaluationRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		g.fail(span, "load_history", fmt.Errorf("decode history: %w", err))
		return nil
	}
	span.SetAttributes(attribute.Int("history.records", len(records)))
	return records
}

// #endregion load

// #region clear
// Clear deletes both persisted documents. Missing keys are not an error.
func (g *Gateway) Clear(ctx context.Context) bool {
	ctx, span := g.tracer.Start(ctx, "state.Clear")
	defer span.End()

	ok := true
	for _, key := range []string{StateKey, HistoryKey} {
		err := g.run(ctx, func(ctx context.Context) error { return g.kv.Delete(ctx, key) })
		if err != nil && !errors.Is(err, ErrNotFound) {
			g.fail(span, "clear", err)
			ok = false
		}
	}
	return ok
}

// #endregion clear

// #region helpers
// run executes fn under the gateway timeout. If the timeout fires first the
// call is abandoned; its eventual result is discarded.
func (g *Gateway) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("persistence timeout: %w", ctx.Err())
	}
}

func (g *Gateway) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	g.logger.Warn("Persistence operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()))
	if g.OnError != nil {
		g.OnError(op, err)
	}
}

// #endregion helpers
