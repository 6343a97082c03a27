package controller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/threshold"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/update"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	c       *Controller
	clk     *clock.Mock
	kv      *state.MemoryKV
	metrics *metrics.Metrics
	sink    *recordingSink
}

type recordingSink struct {
	mu      sync.Mutex
	entries []logging.ProvenanceEntry
	err     error
}

func (s *recordingSink) Record(_ context.Context, e logging.ProvenanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) kinds() []logging.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]logging.Kind, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Kind
	}
	return out
}

func newHarnessWithKV(t *testing.T, kv state.KV, clk *clock.Mock, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{clk: clk, sink: &recordingSink{}}
	if mkv, ok := kv.(*state.MemoryKV); ok {
		h.kv = mkv
	}
	h.metrics = metrics.New(prometheus.NewRegistry())

	cfg := state.DefaultGatewayConfig()
	cfg.Timeout = time.Second
	opts := DefaultOptions()
	opts.Clock = clk
	opts.Gateway = state.NewGateway(kv, cfg, clk, nil)
	opts.Metrics = h.metrics
	opts.Sink = h.sink
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	return h
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	return newHarnessWithKV(t, state.NewMemoryKV(), clk, mutate)
}

func score(v float64) *float64 { return &v }

func feed(t *testing.T, c *Controller, grade string, s float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.ProcessFeedback(FeedbackRecord{Grade: grade, QualityScore: score(s)}))
	}
}

func assertWithinBounds(t *testing.T, th map[string]threshold.Threshold) {
	t.Helper()
	for name, v := range th {
		assert.GreaterOrEqual(t, v.Current, v.Base*0.5-1e-12, name)
		assert.LessOrEqual(t, v.Current, v.Base*1.2+1e-12, name)
	}
}

// #region scenarios
func TestAllTopGradeTightens(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 10)

	st := h.c.Status()
	assert.Equal(t, 1.0, st.CurrentRate)
	for name, th := range st.Thresholds {
		assert.Greater(t, th.Current, th.Base, name)
		assert.LessOrEqual(t, th.Current, th.Base*1.2, name)
		// Ten steps of 0.5% each.
		assert.InDelta(t, th.Base*math.Pow(1.005, 10), th.Current, 1e-9, name)
	}
	assert.Empty(t, st.Escalations)
}

func TestCollapsedRateEscalates(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.8, 2)
	feed(t, h.c, "C", 0.4, 8)

	st := h.c.Status()
	assert.InDelta(t, 0.2, st.CurrentRate, 1e-12)
	for name, th := range st.Thresholds {
		assert.InDelta(t, th.Base*0.6, th.Current, 1e-12, name)
	}
	require.Len(t, st.Escalations, 1)
	ev := st.Escalations[0]
	assert.Equal(t, "quality_boost", ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.InDelta(t, 0.2, ev.Rate, 1e-12)
	assert.Equal(t, 0.9, ev.Target)
	assert.Equal(t, epoch, ev.At)
	assert.True(t, st.Escalated)
	assert.Equal(t, 0.1, st.Settings.LearningRate)
	assert.True(t, st.Settings.QualityBoostEnabled)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Escalations))
}

func TestOptimizePullsTowardThreshold(t *testing.T) {
	h := newHarness(t, nil)

	res := h.c.Optimize(map[string]float64{"confidence": 0.4})

	assert.InDelta(t, 0.43, res.OptimizedFactors["confidence"], 1e-12)
	assert.Equal(t, map[string]float64{"confidence": 0.4}, res.OriginalFactors)
	assert.Equal(t, 0.5, res.AppliedThresholds["confidence"])
	assert.InDelta(t, 0.43, res.MultiAxisScore, 1e-12)
	assert.True(t, res.BoostEnabled)
	assert.InDelta(t, 0.15, res.Boost, 1e-12)
}

func TestOptimizeLeavesPassingFactorsAndUnknowns(t *testing.T) {
	h := newHarness(t, nil)

	res := h.c.Optimize(map[string]float64{"confidence": 0.9, "usability": 0.1})

	assert.Equal(t, 0.9, res.OptimizedFactors["confidence"])
	assert.Equal(t, 0.1, res.OptimizedFactors["usability"])
	// technical 0.9 * 0.35 + user_experience 0.1 * 0.20, over 0.55
	assert.InDelta(t, (0.9*0.35+0.1*0.20)/0.55, res.MultiAxisScore, 1e-12)
}

func TestOptimizeBoostDisabled(t *testing.T) {
	h := newHarness(t, nil)
	off := false
	require.NoError(t, h.c.UpdateSettings(SettingsPatch{QualityBoostEnabled: &off}))

	res := h.c.Optimize(map[string]float64{"confidence": 0.1})
	assert.False(t, res.BoostEnabled)
	assert.Zero(t, res.Boost)
}

func TestOptimizeNoFactorsUsesNeutral(t *testing.T) {
	h := newHarness(t, nil)

	res := h.c.Optimize(nil)
	assert.Equal(t, 0.7, res.MultiAxisScore)
	assert.NotNil(t, res.OriginalFactors)
	assert.InDelta(t, 0.025, res.Boost, 1e-12)
}

func TestStaleSnapshotResetsToBase(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	kv := state.NewMemoryKV()

	first := newHarnessWithKV(t, kv, clk, nil)
	feed(t, first.c, "A", 0.9, 10)
	require.NoError(t, first.c.Tick(context.Background()))

	clk.Add(25 * time.Hour)
	second := newHarnessWithKV(t, kv, clk, nil)
	res := second.c.Restore(context.Background())

	assert.True(t, res.Stale)
	assert.Equal(t, 10, res.HistoryRecords)
	for name, th := range second.c.Status().Thresholds {
		assert.Equal(t, th.Base, th.Current, name)
	}
	assert.Equal(t, 10, second.c.Status().Performance.TotalCount)
}

func TestFreshSnapshotRestoresThresholds(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	kv := state.NewMemoryKV()

	first := newHarnessWithKV(t, kv, clk, nil)
	feed(t, first.c, "A", 0.9, 10)
	require.NoError(t, first.c.Tick(context.Background()))
	want := first.c.Status().Thresholds

	clk.Add(time.Hour)
	second := newHarnessWithKV(t, kv, clk, nil)
	res := second.c.Restore(context.Background())

	assert.False(t, res.Stale)
	assert.Equal(t, len(want), res.ThresholdsApplied)
	assert.Equal(t, want, second.c.Status().Thresholds)
	m := second.c.Status().Performance
	assert.Equal(t, 10, m.TotalCount)
	assert.Equal(t, 10, m.PassCount)
	assert.InDelta(t, 0.9, m.RunningAverageScore, 1e-12)
}

// #endregion scenarios

// #region invariants
func TestBoundInvariantUnderRandomFeedback(t *testing.T) {
	h := newHarness(t, nil)
	rng := rand.New(rand.NewPCG(7, 11))
	grades := []string{"A", "B", "C"}

	for i := 0; i < 600; i++ {
		// Alternate regimes so every path gets exercised.
		var g string
		switch phase := (i / 100) % 3; phase {
		case 0:
			g = "A"
		case 1:
			g = grades[1+rng.IntN(2)]
		default:
			g = grades[rng.IntN(3)]
		}
		s := rng.Float64()
		require.NoError(t, h.c.ProcessFeedback(FeedbackRecord{
			Grade:          g,
			QualityScore:   &s,
			QualityFactors: map[string]float64{"confidence": rng.Float64()},
		}))
		if i%25 == 0 {
			require.NoError(t, h.c.Tick(context.Background()))
		}
		assertWithinBounds(t, h.c.Status().Thresholds)
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 3)
	feed(t, h.c, "B", 0.5, 9)

	h.clk.Add(time.Minute)
	first := h.c.Status()
	h.clk.Add(time.Minute)
	second := h.c.Status()

	assert.Equal(t, first, second)
	assert.Equal(t, epoch, first.LastUpdate)
}

func TestStatusReturnsCopies(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 1)

	st := h.c.Status()
	st.Thresholds["confidence"] = threshold.Threshold{Base: 9, Current: 9}
	st.Adjustments[0].Thresholds["confidence"] = 9

	again := h.c.Status()
	assert.NotEqual(t, 9.0, again.Thresholds["confidence"].Current)
	assert.NotEqual(t, 9.0, again.Adjustments[0].Thresholds["confidence"])
}

func TestColdStartGuard(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "C", 0.2, 9)

	st := h.c.Status()
	assert.Zero(t, st.CurrentRate)
	assert.Empty(t, st.Escalations)
	assert.False(t, st.Escalated)
	assert.Equal(t, 0.05, st.Settings.LearningRate)
	for name, th := range st.Thresholds {
		// Reactive relaxation floors at 0.7; only an escalation reaches 0.6.
		assert.InDelta(t, th.Base*0.7, th.Current, 1e-12, name)
	}
}

func TestEmergencyTakesPrecedenceOverFineTune(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Settings.TargetRate = 0.5
		o.Gate = gate.GateConfig{MinSample: 10, EmergencyRatio: 0.5, FineTuneBand: 0.5}
	})
	feed(t, h.c, "A", 0.9, 2)
	feed(t, h.c, "C", 0.3, 8)

	// rate 0.2: below the 0.25 emergency line and inside the fine-tune band.
	st := h.c.Status()
	require.Len(t, st.Escalations, 1)
	for name, th := range st.Thresholds {
		assert.InDelta(t, th.Base*0.6, th.Current, 1e-12, name)
	}
	assert.Zero(t, testutil.ToFloat64(h.metrics.LearningRules.WithLabelValues("fine_tune_decay")))
}

func TestFineTuneDecaysWhenRecentWindowShort(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 37)
	feed(t, h.c, "B", 0.6, 3)

	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.LearningRules.WithLabelValues("fine_tune_decay")), 1.0)
	assertWithinBounds(t, h.c.Status().Thresholds)
}

func TestLedgerConsistency(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 13)
	feed(t, h.c, "B", 0.4, 7)

	m := h.c.Status().Performance
	assert.Equal(t, 20, m.TotalCount)
	assert.Equal(t, 13, m.PassCount)
	assert.InDelta(t, (13*0.9+7*0.4)/20, m.RunningAverageScore, 1e-12)
	// last 5 are all 0.4; the 5 before hold three 0.9 and two 0.4
	assert.InDelta(t, 0.4-(3*0.9+2*0.4)/5, m.ImprovementTrend, 1e-12)
}

// #endregion invariants

// #region feedback-validation
func TestInvalidRecordsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	cases := []FeedbackRecord{
		{QualityScore: score(0.5)},
		{Grade: "A", QualityScore: score(1.5)},
		{Grade: "A", QualityScore: score(-0.1)},
		{Grade: "A", QualityScore: score(math.NaN())},
		{Grade: "A", QualityFactors: map[string]float64{"confidence": 2}},
		{Grade: "A", QualityFactors: map[string]float64{"confidence": math.NaN()}},
	}
	for i, rec := range cases {
		err := h.c.ProcessFeedback(rec)
		assert.ErrorIs(t, err, ErrInvalidRecord, "case %d", i)
	}

	st := h.c.Status()
	assert.Equal(t, len(cases), st.Dropped)
	assert.Zero(t, st.Performance.TotalCount)
	assert.Empty(t, st.Adjustments)
	assert.Equal(t, float64(len(cases)), testutil.ToFloat64(h.metrics.FeedbackTotal.WithLabelValues("dropped")))
}

func TestMissingScoreDefaultsToNeutral(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.ProcessFeedback(FeedbackRecord{Grade: "B"}))

	assert.Equal(t, 0.7, h.c.Status().Performance.RunningAverageScore)
}

// #endregion feedback-validation

// #region settings-tests
func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	before := h.c.Status().Settings

	neg := -0.1
	assert.ErrorIs(t, h.c.UpdateSettings(SettingsPatch{AdjustmentSensitivity: &neg}), ErrInvalidSettings)
	assert.ErrorIs(t, h.c.UpdateSettings(SettingsPatch{LearningRate: &neg}), ErrInvalidSettings)
	over := 1.5
	assert.ErrorIs(t, h.c.UpdateSettings(SettingsPatch{TargetRate: &over}), ErrInvalidSettings)

	assert.Equal(t, before, h.c.Status().Settings)
}

func TestUpdateSettingsAppliesPartial(t *testing.T) {
	h := newHarness(t, nil)
	h.clk.Add(time.Minute)
	target := 0.8
	require.NoError(t, h.c.UpdateSettings(SettingsPatch{TargetRate: &target}))

	st := h.c.Status()
	assert.Equal(t, 0.8, st.Settings.TargetRate)
	assert.Equal(t, 0.1, st.Settings.AdjustmentSensitivity)
	assert.Equal(t, epoch.Add(time.Minute), st.LastUpdate)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Settings.AdjustmentSensitivity = -1
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	opts = DefaultOptions()
	opts.Axes[0].Weight = 0
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestAdaptiveAdjustmentDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Settings.AdaptiveAdjustment = false })
	feed(t, h.c, "A", 0.9, 5)

	st := h.c.Status()
	assert.Empty(t, st.Adjustments)
	for name, th := range st.Thresholds {
		assert.Equal(t, th.Base, th.Current, name)
	}
}

func TestLearningDisabledSurvivesDefaulting(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Settings.AdaptiveAdjustment = false
		o.Learning = update.UpdateConfig{Disabled: true}
	})
	assert.Equal(t, update.DefaultUpdateConfig().MinTotal, h.c.learnCfg.MinTotal)

	feed(t, h.c, "A", 0.9, 20)
	require.NoError(t, h.c.Tick(context.Background()))

	for name, th := range h.c.Status().Thresholds {
		assert.Equal(t, th.Base, th.Current, name)
	}
}

// #endregion settings-tests

// #region preventive-tests

// Ten 0.95 scores then three 0.2 scores: the trend first crosses the 0.3
// strength line on the thirteenth record (delta -0.375), giving the capped
// intensity 0.2.

func preventiveEntries(h *harness) []logging.ProvenanceEntry {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	var out []logging.ProvenanceEntry
	for _, e := range h.sink.entries {
		if e.Kind == logging.KindPreventive {
			out = append(out, e)
		}
	}
	return out
}

func TestPreventiveHoldsWhenReactiveHolds(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Settings.TargetRate = 0.96 // rate 1.0 sits inside the hysteresis band
		o.Gate.MinSample = 1000
		o.Learning.Disabled = true
	})
	feed(t, h.c, "A", 0.95, 10)
	feed(t, h.c, "A", 0.2, 2)
	for name, th := range h.c.Status().Thresholds {
		require.Equal(t, th.Base, th.Current, name)
	}

	feed(t, h.c, "A", 0.2, 1)
	for name, th := range h.c.Status().Thresholds {
		assert.InDelta(t, th.Base*0.8, th.Current, 1e-12, name)
	}

	require.NoError(t, h.c.Tick(context.Background()))
	entries := preventiveEntries(h)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "intensity 0.2000")
}

// Below target the relax path floors at base*0.7, which overrides a
// preventive step that went under it on the same cycle.
func TestPreventiveRunsBeforeRelax(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Gate.MinSample = 1000
		o.Learning.Disabled = true
	})
	feed(t, h.c, "B", 0.95, 10)
	feed(t, h.c, "B", 0.2, 2)
	for name, th := range h.c.Status().Thresholds {
		require.InDelta(t, th.Base*0.7, th.Current, 1e-12, name)
	}

	feed(t, h.c, "B", 0.2, 1)
	st := h.c.Status()
	for name, th := range st.Thresholds {
		assert.InDelta(t, th.Base*0.7, th.Current, 1e-12, name)
	}

	require.NoError(t, h.c.Tick(context.Background()))
	entries := preventiveEntries(h)
	require.Len(t, entries, 1)

	// The entry is queued between the preventive and reactive steps.
	var afterPreventive map[string]float64
	require.NoError(t, json.Unmarshal([]byte(entries[0].ThresholdsJSON), &afterPreventive))
	for name, th := range st.Thresholds {
		assert.InDelta(t, th.Base*0.7*0.8, afterPreventive[name], 1e-12, name)
	}
	last := st.Adjustments[len(st.Adjustments)-1]
	assert.Equal(t, threshold.Relax, last.Direction)
}

// #endregion preventive-tests

// #region escalation-recovery
func TestRecoveryRestoresLearningRate(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "C", 0.3, 10)
	require.True(t, h.c.Status().Escalated)

	// 10 fails + 10 passes puts the rate at 0.5, above the 0.45 line.
	feed(t, h.c, "A", 0.9, 10)

	st := h.c.Status()
	assert.False(t, st.Escalated)
	assert.Equal(t, 0.05, st.Settings.LearningRate)
	assert.True(t, st.Settings.QualityBoostEnabled)
}

func TestExplicitLearningRateCancelsRestore(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "C", 0.3, 10)
	lr := 0.2
	require.NoError(t, h.c.UpdateSettings(SettingsPatch{LearningRate: &lr}))

	feed(t, h.c, "A", 0.9, 10)
	assert.Equal(t, 0.2, h.c.Status().Settings.LearningRate)
}

func TestEscalationLogIsBounded(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.EventLimit = 5 })
	feed(t, h.c, "C", 0.3, 20)

	assert.Len(t, h.c.Status().Escalations, 5)
}

// #endregion escalation-recovery

// #region tick-tests
func TestTickAppliesReinforce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Settings.AdaptiveAdjustment = false })
	feed(t, h.c, "A", 0.9, 20)
	require.NoError(t, h.c.Tick(context.Background()))

	for name, th := range h.c.Status().Thresholds {
		assert.InDelta(t, th.Base*1.02, th.Current, 1e-12, name)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LearningRules.WithLabelValues("reinforce")))
}

func TestTickAppliesRelax(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Settings.AdaptiveAdjustment = false
		o.Gate = gate.GateConfig{MinSample: 1000, EmergencyRatio: 0.5, FineTuneBand: 0.05}
	})
	feed(t, h.c, "B", 0.5, 20)
	require.NoError(t, h.c.Tick(context.Background()))

	for name, th := range h.c.Status().Thresholds {
		assert.InDelta(t, th.Base*0.95, th.Current, 1e-12, name)
	}
}

func TestTickLearningDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Settings.AdaptiveAdjustment = false
		o.Settings.LearningEnabled = false
	})
	feed(t, h.c, "A", 0.9, 20)
	require.NoError(t, h.c.Tick(context.Background()))

	for name, th := range h.c.Status().Thresholds {
		assert.Equal(t, th.Base, th.Current, name)
	}
}

func TestTickSkipsBelowMinimum(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 4)
	require.NoError(t, h.c.Tick(context.Background()))

	_, err := h.kv.Get(context.Background(), state.StateKey)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestTickPersistsAndDelivers(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "C", 0.3, 10)
	assert.Empty(t, h.sink.kinds())

	require.NoError(t, h.c.Tick(context.Background()))

	assert.Contains(t, h.sink.kinds(), logging.KindEmergency)
	_, err := h.kv.Get(context.Background(), state.StateKey)
	assert.NoError(t, err)
	_, err = h.kv.Get(context.Background(), state.HistoryKey)
	assert.NoError(t, err)

	// Delivered entries are not sent twice.
	n := len(h.sink.kinds())
	require.NoError(t, h.c.Tick(context.Background()))
	assert.Len(t, h.sink.kinds(), n+1) // the second tick's learning relax
}

func TestTickSurvivesPersistenceFailure(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 10)
	h.kv.SetFailure(errors.New("disk full"), 0)
	h.sink.err = errors.New("sink down")

	assert.NoError(t, h.c.Tick(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistenceErrors.WithLabelValues("save_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistenceErrors.WithLabelValues("save_history")))
	assert.NoError(t, h.c.ProcessFeedback(FeedbackRecord{Grade: "A"}))
}

// blockingKV holds the first Set until released.
type blockingKV struct {
	*state.MemoryKV
	sets    atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingKV) Set(ctx context.Context, key string, value []byte) error {
	b.sets.Add(1)
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.MemoryKV.Set(ctx, key, value)
}

func TestConcurrentTicksCoalesce(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	kv := &blockingKV{
		MemoryKV: state.NewMemoryKV(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := newHarnessWithKV(t, kv, clk, func(o *Options) { o.Settings.LearningEnabled = false })
	feed(t, h.c, "A", 0.9, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.c.Tick(context.Background()))
	}()
	<-kv.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.c.Tick(context.Background()))
	}()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.TicksCoalesced) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(kv.release)
	wg.Wait()

	// One tick ran: one state write and one history write.
	assert.Equal(t, int32(2), kv.sets.Load())
}

// #endregion tick-tests

// #region lifecycle-tests
func TestCloseFlushesAndStops(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "C", 0.3, 10)

	require.NoError(t, h.c.Close(context.Background()))
	assert.Contains(t, h.sink.kinds(), logging.KindEmergency)
	_, err := h.kv.Get(context.Background(), state.StateKey)
	assert.NoError(t, err)

	assert.ErrorIs(t, h.c.ProcessFeedback(FeedbackRecord{Grade: "A"}), ErrClosed)
	assert.ErrorIs(t, h.c.Tick(context.Background()), ErrClosed)
	assert.NoError(t, h.c.Close(context.Background()))

	// Reads keep serving.
	assert.Equal(t, 10, h.c.Status().Performance.TotalCount)
	assert.NotNil(t, h.c.Optimize(map[string]float64{"confidence": 0.1}).OptimizedFactors)
}

func TestCloseSavesAfterJoinedTick(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	kv := &blockingKV{
		MemoryKV: state.NewMemoryKV(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := newHarnessWithKV(t, kv, clk, func(o *Options) { o.Settings.LearningEnabled = false })
	feed(t, h.c, "A", 0.9, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.c.Tick(context.Background()))
	}()
	<-kv.entered

	// Lands after the in-flight tick took its snapshot.
	feed(t, h.c, "A", 0.9, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.c.Close(context.Background()))
	}()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.TicksCoalesced) == 1
	}, time.Second, 5*time.Millisecond)
	close(kv.release)
	wg.Wait()

	history := state.NewGateway(kv.MemoryKV, state.DefaultGatewayConfig(), clk, nil).LoadHistory(context.Background())
	assert.Len(t, history, 15)
}

func TestCloseDeliversBelowTickMinimum(t *testing.T) {
	h := newHarness(t, nil)
	target := 0.8
	require.NoError(t, h.c.UpdateSettings(SettingsPatch{TargetRate: &target}))

	require.NoError(t, h.c.Close(context.Background()))
	assert.Equal(t, []logging.Kind{logging.KindSettings}, h.sink.kinds())
}

func TestRestoreWithoutGateway(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	res := c.Restore(context.Background())
	assert.True(t, res.Stale)
	assert.Zero(t, res.HistoryRecords)
}

// #endregion lifecycle-tests

// #region report-tests
func TestReportStatus(t *testing.T) {
	h := newHarness(t, nil)
	feed(t, h.c, "A", 0.9, 10)
	r := h.c.Report()
	assert.Equal(t, TargetAchieved, r.Status)
	assert.Equal(t, 10, r.TotalCount)
	assert.Equal(t, 0.9, r.TargetRate)

	feed(t, h.c, "B", 0.5, 2)
	r = h.c.Report()
	assert.Equal(t, Optimizing, r.Status)
	assert.Len(t, r.CurrentThresholds, len(threshold.DefaultBases()))
}

// #endregion report-tests
