package controller

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/scoring"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/threshold"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/trend"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/update"
)

const (
	// optimize pulls a sub-threshold factor this fraction of the way up.
	optimizePull = 0.3
	boostFactor  = 0.5
	maxBoost     = 0.15
	// reportEvery is how often (in analyses) the monitoring report is logged.
	reportEvery = 10

	escalationType = "quality_boost"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// #region controller-struct
// Controller is the closed-loop threshold controller. It owns the threshold
// store, the ledger and the metrics; every mutation goes through its
// methods under a single mutex. Persistence and event delivery happen on
// Tick, outside the lock.
type Controller struct {
	mu sync.Mutex

	settings   Settings
	scorer     *scoring.Scorer
	thresholds *threshold.Store
	ledger     *ledger.Ledger
	gate       *gate.Gate
	trendCfg   trend.Config
	learnCfg   update.UpdateConfig

	emergencyLearningRate float64
	// preEscalationRate holds the learning rate to restore on recovery.
	preEscalationRate *float64

	eventLimit  int
	escalations []EscalationEvent
	pending     []logging.ProvenanceEntry
	dropped     int
	lastUpdate  time.Time
	closed      bool

	// gen counts mutations; savedGen is the gen of the last tick snapshot.
	gen      uint64
	savedGen uint64

	clock   clock.Clock
	logger  *slog.Logger
	gateway *state.Gateway
	metrics *metrics.Metrics
	sink    EventSink

	ticks        singleflight.Group
	tickInFlight atomic.Bool
}

// New builds a controller from opts. Zero-valued options fall back to
// DefaultOptions; the gate, trend and learning configs are defaulted field
// by field. A nil Gateway keeps the controller purely in memory.
func New(opts Options) (*Controller, error) {
	def := DefaultOptions()
	if opts.Settings == (Settings{}) {
		opts.Settings = def.Settings
	}
	if opts.Axes == nil {
		opts.Axes = def.Axes
	}
	if opts.NeutralScore == 0 {
		opts.NeutralScore = def.NeutralScore
	}
	if opts.Bases == nil {
		opts.Bases = def.Bases
	}
	opts.Gate = opts.Gate.WithDefaults()
	opts.Trend = opts.Trend.WithDefaults()
	opts.Learning = opts.Learning.WithDefaults()
	if opts.EmergencyLearningRate <= 0 {
		opts.EmergencyLearningRate = def.EmergencyLearningRate
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = def.EventLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := validate.Struct(opts.Settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	scorer, err := scoring.NewScorer(opts.Axes, opts.NeutralScore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	store, err := threshold.NewStore(opts.Bases, opts.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	c := &Controller{
		settings:              opts.Settings,
		scorer:                scorer,
		thresholds:            store,
		ledger:                ledger.New(opts.Ledger),
		gate:                  gate.NewGate(opts.Gate),
		trendCfg:              opts.Trend,
		learnCfg:              opts.Learning,
		emergencyLearningRate: opts.EmergencyLearningRate,
		eventLimit:            opts.EventLimit,
		clock:                 opts.Clock,
		logger:                opts.Logger.With(slog.String("component", "controller")),
		gateway:               opts.Gateway,
		metrics:               opts.Metrics,
		sink:                  opts.Sink,
	}
	if c.gateway != nil && c.gateway.OnError == nil {
		m := c.metrics
		c.gateway.OnError = func(op string, _ error) { m.PersistenceError(op) }
	}
	c.lastUpdate = c.clock.Now()
	c.publishLocked()
	return c, nil
}

// #endregion controller-struct

// #region process-feedback
// ProcessFeedback ingests one completed evaluation: ledger append and rate
// update, trend check with preventive relaxation, the reactive adjustment,
// then the monitoring gate. The whole step is atomic with respect to other
// calls; records are applied in call order.
func (c *Controller) ProcessFeedback(rec FeedbackRecord) error {
	if err := validate.Struct(rec); err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.metrics.Feedback("dropped")
		c.logger.Warn("Dropping feedback record", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	now := c.clock.Now()
	c.ledger.Append(ledger.EvaluationRecord{
		Timestamp:      now,
		Grade:          rec.Grade,
		QualityScore:   rec.Score(c.scorer.Neutral()),
		QualityFactors: maps.Clone(rec.QualityFactors),
		Thresholds:     c.thresholds.Snapshot(),
	})
	rate := c.ledger.Rate()
	target := c.settings.TargetRate

	if c.settings.AdaptiveAdjustment {
		// Preventive runs before the reactive law on the same cycle.
		tr := trend.Analyze(c.ledger.Scores(c.trendCfg.Window), c.trendCfg)
		if intensity, ok := tr.Preventive(c.trendCfg); ok {
			c.thresholds.Preventive(intensity)
			c.queueLocked(now, logging.KindPreventive, "preventive_relax",
				fmt.Sprintf("declining trend strength %.4f, intensity %.4f", tr.Strength, intensity))
			c.logger.Info("Preventive adjustment",
				slog.Float64("strength", tr.Strength),
				slog.Float64("intensity", intensity))
		}

		dir := c.thresholds.Adjust(rate, target, c.settings.AdjustmentSensitivity, now)
		c.metrics.Adjustment(string(dir))
		if dir != threshold.Hold {
			c.logger.Debug("Threshold adjustment",
				slog.String("direction", string(dir)),
				slog.Float64("rate", rate),
				slog.Float64("target", target))
		}
	}

	c.monitorLocked(now)
	c.lastUpdate = now
	c.gen++
	c.metrics.Feedback("accepted")
	c.publishLocked()
	return nil
}

// #endregion process-feedback

// #region monitor
// monitorLocked runs the gate once enough data exists: emergency first,
// then fine-tune. It also restores the pre-escalation learning rate once
// the rate is back above the emergency line.
func (c *Controller) monitorLocked(now time.Time) {
	m := c.ledger.Metrics()
	target := c.settings.TargetRate
	d := c.gate.Evaluate(gate.Input{TotalCount: m.TotalCount, Rate: m.PassRate(), Target: target})

	if d.Recovered && c.preEscalationRate != nil {
		c.settings.LearningRate = *c.preEscalationRate
		c.preEscalationRate = nil
		c.queueLocked(now, logging.KindRecovery, "learning_rate_restored", d.Reason)
		c.logger.Info("Recovered from escalation", slog.Float64("learning_rate", c.settings.LearningRate))
	}

	switch d.Action {
	case gate.ActionEmergency:
		c.escalateLocked(now, m.PassRate(), d)
	case gate.ActionFineTune:
		ft := update.FineTune(c.successLocked(), target, c.learnCfg)
		if ft.Rule != update.RuleNone {
			c.thresholds.Scale(ft.Multiplier)
			c.metrics.Rule(string(ft.Rule))
			c.queueLocked(now, logging.KindFineTune, string(ft.Rule), ft.Reason)
		}
	}

	if n := c.ledger.Appended(); m.TotalCount >= c.gate.Config().MinSample && n%reportEvery == 0 {
		r := c.reportLocked()
		c.logger.Info("Monitoring report",
			slog.String("status", string(r.Status)),
			slog.Float64("rate", r.CurrentRate),
			slog.Float64("target", r.TargetRate),
			slog.Int("total", r.TotalCount),
			slog.Float64("avg_score", r.AverageScore),
			slog.Float64("improvement_trend", r.ImprovementTrend))
	}
}

func (c *Controller) escalateLocked(now time.Time, rate float64, d gate.GateDecision) {
	c.thresholds.Emergency()
	if c.preEscalationRate == nil {
		prev := c.settings.LearningRate
		c.preEscalationRate = &prev
	}
	c.settings.LearningRate = c.emergencyLearningRate
	c.settings.QualityBoostEnabled = true

	ev := EscalationEvent{
		ID:     uuid.NewString(),
		Type:   escalationType,
		Rate:   rate,
		Target: c.settings.TargetRate,
		At:     now,
	}
	if len(c.escalations) >= c.eventLimit {
		copy(c.escalations, c.escalations[1:])
		c.escalations = c.escalations[:len(c.escalations)-1]
	}
	c.escalations = append(c.escalations, ev)
	c.metrics.Escalation()

	c.queueEntryLocked(logging.ProvenanceEntry{
		EventID:        ev.ID,
		Kind:           logging.KindEmergency,
		Rule:           escalationType,
		Rate:           rate,
		Target:         ev.Target,
		TotalCount:     c.ledger.Metrics().TotalCount,
		ThresholdsJSON: logging.EncodeThresholds(c.thresholds.Snapshot()),
		Reason:         d.Reason,
		CreatedAt:      now,
	})
	c.logger.Warn("Emergency escalation",
		slog.String("event_id", ev.ID),
		slog.Float64("rate", rate),
		slog.Float64("target", ev.Target),
		slog.Any("eligible", d.Eligible))
}

// #endregion monitor

// #region tick
// Tick runs the periodic pass: learning rules, delivery of queued
// provenance entries, then the persistence snapshot. A Tick that arrives
// while another is in flight joins it instead of running again.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.doTick(ctx)
}

func (c *Controller) doTick(ctx context.Context) error {
	if c.tickInFlight.Load() {
		c.metrics.Coalesced()
	}
	_, err, _ := c.ticks.Do("tick", func() (interface{}, error) {
		c.tickInFlight.Store(true)
		defer c.tickInFlight.Store(false)
		return nil, c.tick(ctx)
	})
	return err
}

func (c *Controller) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { c.metrics.Tick(time.Since(start)) }()

	c.mu.Lock()
	if c.ledger.Metrics().TotalCount < c.learnCfg.MinTotal {
		c.mu.Unlock()
		return nil
	}
	now := c.clock.Now()

	cfg := c.learnCfg
	cfg.Disabled = cfg.Disabled || !c.settings.LearningEnabled
	dec := update.Learn(c.successLocked(), cfg)
	if dec.Rule != update.RuleNone {
		c.thresholds.Scale(dec.Multiplier)
		c.metrics.Rule(string(dec.Rule))
		c.queueLocked(now, logging.KindLearning, string(dec.Rule), dec.Reason)
		c.lastUpdate = now
		c.gen++
		c.publishLocked()
		c.logger.Info("Learning rule applied",
			slog.String("rule", string(dec.Rule)),
			slog.Float64("multiplier", dec.Multiplier))
	}

	snap := c.snapshotLocked()
	history := c.ledger.Recent(c.ledger.Len())
	c.savedGen = c.gen
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.deliver(ctx, pending)
	if c.gateway != nil {
		c.gateway.Save(ctx, snap, history)
	}
	return nil
}

// deliver sends queued entries to the sink. Failures are logged and the
// entry is dropped.
func (c *Controller) deliver(ctx context.Context, entries []logging.ProvenanceEntry) {
	if c.sink == nil {
		return
	}
	for _, e := range entries {
		if err := c.sink.Record(ctx, e); err != nil {
			c.logger.Warn("Provenance delivery failed",
				slog.String("event_id", e.EventID),
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

// #endregion tick

// #region optimize
// Optimize pulls every factor below its current threshold 30% of the way
// toward it (capped at 1), scores the result and computes the boost.
// It reads the thresholds but never mutates controller state.
func (c *Controller) Optimize(raw map[string]float64) OptimizeResult {
	c.mu.Lock()
	applied := c.thresholds.Snapshot()
	boostEnabled := c.settings.QualityBoostEnabled
	boostTarget := c.settings.BoostTarget
	c.mu.Unlock()

	optimized := make(map[string]float64, len(raw))
	for name, v := range raw {
		if t, ok := applied[name]; ok && v < t {
			v = math.Min(1.0, v+(t-v)*optimizePull)
		}
		optimized[name] = v
	}

	score := c.scorer.Score(optimized)
	res := OptimizeResult{
		OriginalFactors:   maps.Clone(raw),
		OptimizedFactors:  optimized,
		MultiAxisScore:    score,
		AxisScores:        c.scorer.AxisScores(optimized),
		AppliedThresholds: applied,
		BoostEnabled:      boostEnabled,
	}
	if res.OriginalFactors == nil {
		res.OriginalFactors = map[string]float64{}
	}
	if boostEnabled && score < boostTarget {
		res.Boost = math.Min((boostTarget-score)*boostFactor, maxBoost)
	}
	return res
}

// #endregion optimize

// #region status
// Status returns a deep copy of the controller state. Two calls with no
// mutation in between return equal values.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ledger.Metrics()
	return Status{
		Settings:    c.settings,
		CurrentRate: m.PassRate(),
		Thresholds:  c.thresholds.Thresholds(),
		Performance: m,
		LastUpdate:  c.lastUpdate,
		Escalated:   c.preEscalationRate != nil,
		Dropped:     c.dropped,
		Escalations: append([]EscalationEvent(nil), c.escalations...),
		Adjustments: c.thresholds.History(),
	}
}

// Report returns the monitoring summary.
func (c *Controller) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

func (c *Controller) reportLocked() Report {
	m := c.ledger.Metrics()
	r := Report{
		CurrentRate:       m.PassRate(),
		TargetRate:        c.settings.TargetRate,
		TotalCount:        m.TotalCount,
		AverageScore:      m.RunningAverageScore,
		ImprovementTrend:  m.ImprovementTrend,
		Trend:             trend.Analyze(c.ledger.Scores(c.trendCfg.Window), c.trendCfg),
		CurrentThresholds: c.thresholds.Snapshot(),
		Status:            Optimizing,
	}
	if r.CurrentRate >= r.TargetRate {
		r.Status = TargetAchieved
	}
	return r
}

// #endregion status

// #region settings
// UpdateSettings validates and applies a partial update. On error the prior
// settings stay in force. An explicit learning rate cancels the pending
// post-escalation restore.
func (c *Controller) UpdateSettings(p SettingsPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := p.Apply(c.settings)
	if err := validate.Struct(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if next == c.settings {
		return nil
	}
	if p.LearningRate != nil {
		c.preEscalationRate = nil
	}
	c.settings = next
	now := c.clock.Now()
	c.lastUpdate = now
	c.gen++
	c.queueLocked(now, logging.KindSettings, "update_settings",
		fmt.Sprintf("target=%.4f sensitivity=%.4f learning_rate=%.4f boost=%t",
			next.TargetRate, next.AdjustmentSensitivity, next.LearningRate, next.QualityBoostEnabled))
	c.publishLocked()
	c.logger.Info("Settings updated",
		slog.Float64("target", next.TargetRate),
		slog.Float64("sensitivity", next.AdjustmentSensitivity),
		slog.Float64("learning_rate", next.LearningRate))
	return nil
}

// #endregion settings

// #region lifecycle
// Restore loads the persisted snapshot and history. Thresholds come from
// the snapshot when it is fresh, otherwise they reset to base; metrics are
// recomputed from the history either way.
func (c *Controller) Restore(ctx context.Context) RestoreResult {
	if c.gateway == nil {
		return RestoreResult{Stale: true}
	}
	snap := c.gateway.Load(ctx)
	history := c.gateway.LoadHistory(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	var res RestoreResult
	if snap != nil {
		res.ThresholdsApplied = c.thresholds.Restore(snap.Thresholds)
	} else {
		c.thresholds.Reset()
		res.Stale = true
	}
	if len(history) > 0 {
		c.ledger.Restore(history)
		res.HistoryRecords = c.ledger.Len()
	}
	c.lastUpdate = c.clock.Now()
	c.publishLocked()
	c.logger.Info("State restored",
		slog.Int("thresholds", res.ThresholdsApplied),
		slog.Int("history", res.HistoryRecords),
		slog.Bool("stale", res.Stale))
	return res
}

// Close stops accepting feedback and ticks, waits for an in-flight tick and
// runs a final one so queued entries and the last snapshot are flushed.
// When the final tick was joined rather than run, mutations made after its
// snapshot are saved here. Calling Close twice is a no-op.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.doTick(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	var (
		snap    state.Snapshot
		history []ledger.EvaluationRecord
	)
	resave := c.gateway != nil && c.gen != c.savedGen &&
		c.ledger.Metrics().TotalCount >= c.learnCfg.MinTotal
	if resave {
		snap = c.snapshotLocked()
		history = c.ledger.Recent(c.ledger.Len())
		c.savedGen = c.gen
	}
	c.mu.Unlock()
	c.deliver(ctx, pending)
	if resave {
		c.gateway.Save(ctx, snap, history)
	}
	return nil
}

// #endregion lifecycle

// #region helpers
func (c *Controller) successLocked() update.Success {
	rate, n := c.ledger.LocalRate(c.learnCfg.Window)
	return update.Success{
		TotalCount: c.ledger.Metrics().TotalCount,
		LocalRate:  rate,
		Samples:    n,
	}
}

func (c *Controller) snapshotLocked() state.Snapshot {
	return state.Snapshot{
		Thresholds: c.thresholds.Snapshot(),
		Settings: state.Settings{
			TargetRate:            c.settings.TargetRate,
			CurrentRate:           c.ledger.Rate(),
			AdjustmentSensitivity: c.settings.AdjustmentSensitivity,
			LearningRate:          c.settings.LearningRate,
			QualityBoostEnabled:   c.settings.QualityBoostEnabled,
		},
		Metrics:   c.ledger.Metrics(),
		Timestamp: c.clock.Now().UnixMilli(),
	}
}

func (c *Controller) queueLocked(now time.Time, kind logging.Kind, rule, reason string) {
	m := c.ledger.Metrics()
	c.queueEntryLocked(logging.ProvenanceEntry{
		EventID:        uuid.NewString(),
		Kind:           kind,
		Rule:           rule,
		Rate:           m.PassRate(),
		Target:         c.settings.TargetRate,
		TotalCount:     m.TotalCount,
		ThresholdsJSON: logging.EncodeThresholds(c.thresholds.Snapshot()),
		Reason:         reason,
		CreatedAt:      now,
	})
}

func (c *Controller) queueEntryLocked(e logging.ProvenanceEntry) {
	if c.sink == nil {
		return
	}
	if len(c.pending) >= c.eventLimit {
		copy(c.pending, c.pending[1:])
		c.pending = c.pending[:len(c.pending)-1]
	}
	c.pending = append(c.pending, e)
}

func (c *Controller) publishLocked() {
	if c.metrics == nil {
		return
	}
	m := c.ledger.Metrics()
	c.metrics.Rates(m.PassRate(), c.settings.TargetRate, m.RunningAverageScore)
	c.metrics.SetThresholds(c.thresholds.Snapshot())
}

// #endregion helpers
