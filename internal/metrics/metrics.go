package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quality_controller"

// #region metrics
// Metrics instruments one controller. All methods are safe on a nil
// receiver so the controller can run uninstrumented.
type Metrics struct {
	FeedbackTotal     *prometheus.CounterVec
	AchievedRate      prometheus.Gauge
	TargetRate        prometheus.Gauge
	AverageScore      prometheus.Gauge
	Thresholds        *prometheus.GaugeVec
	Adjustments       *prometheus.CounterVec
	Escalations       prometheus.Counter
	LearningRules     *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TicksCoalesced    prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
}

// New registers the controller collectors with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FeedbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback records by ingestion result",
		}, []string{"result"}),
		AchievedRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "achieved_rate",
			Help:      "All-time fraction of records graded at the top grade",
		}),
		TargetRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_rate",
			Help:      "Configured target rate",
		}),
		AverageScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_quality_score",
			Help:      "Running average quality score",
		}),
		Thresholds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_current",
			Help:      "Current acceptance threshold per component metric",
		}, []string{"component"}),
		Adjustments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Reactive threshold adjustments by direction",
		}, []string{"direction"}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Emergency escalations fired",
		}),
		LearningRules: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_rules_total",
			Help:      "Learning and fine-tune rules applied",
		}, []string{"rule"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Periodic tick duration including persistence",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		TicksCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_coalesced_total",
			Help:      "Ticks that joined an in-flight tick instead of running",
		}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Persistence failures and timeouts by operation",
		}, []string{"op"}),
	}
}

// #endregion metrics

// #region observe
// Feedback counts one ingested ("accepted") or rejected ("dropped") record.
func (m *Metrics) Feedback(result string) {
	if m == nil {
		return
	}
	m.FeedbackTotal.WithLabelValues(result).Inc()
}

// Rates publishes the rate picture after a mutation.
func (m *Metrics) Rates(achieved, target, avgScore float64) {
	if m == nil {
		return
	}
	m.AchievedRate.Set(achieved)
	m.TargetRate.Set(target)
	m.AverageScore.Set(avgScore)
}

// SetThresholds publishes the current threshold per component.
func (m *Metrics) SetThresholds(current map[string]float64) {
	if m == nil {
		return
	}
	for name, v := range current {
		m.Thresholds.WithLabelValues(name).Set(v)
	}
}

// Adjustment counts one reactive adjustment.
func (m *Metrics) Adjustment(direction string) {
	if m == nil {
		return
	}
	m.Adjustments.WithLabelValues(direction).Inc()
}

// Escalation counts one emergency escalation.
func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// Rule counts one learning or fine-tune rule application.
func (m *Metrics) Rule(rule string) {
	if m == nil {
		return
	}
	m.LearningRules.WithLabelValues(rule).Inc()
}

// Tick records the duration of one tick.
func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

// Coalesced counts one tick that joined an in-flight tick.
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.TicksCoalesced.Inc()
}

// PersistenceError counts one failed persistence operation.
func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

// #endregion observe
