package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

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

var (
	// ErrInvalidRecord rejects a malformed feedback record. No state changes.
	ErrInvalidRecord = errors.New("invalid feedback record")
	// ErrInvalidSettings rejects a settings update or construction option.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrClosed is returned by feedback and tick calls after Close.
	ErrClosed = errors.New("controller closed")
)

// #region feedback
// FeedbackRecord is one completed evaluation delivered by the evaluation source.
type FeedbackRecord struct {
	Grade string `json:"grade" validate:"required"`
	// QualityScore defaults to the neutral 0.7 when absent.
	QualityScore   *float64           `json:"qualityScore,omitempty" validate:"omitempty,gte=0,lte=1"`
	QualityFactors map[string]float64 `json:"qualityFactors,omitempty" validate:"omitempty,dive,gte=0,lte=1"`
}

// Score returns the record's quality score, or def when it has none.
func (r FeedbackRecord) Score(def float64) float64 {
	if r.QualityScore == nil {
		return def
	}
	return *r.QualityScore
}

// #endregion feedback

// #region settings
// Settings are the tunables callers may change at runtime.
type Settings struct {
	TargetRate            float64 `yaml:"target_rate" json:"targetAGradeRate" validate:"gt=0,lte=1"`
	AdjustmentSensitivity float64 `yaml:"adjustment_sensitivity" json:"adjustmentSensitivity" validate:"gte=0"`
	LearningRate          float64 `yaml:"learning_rate" json:"learningRate" validate:"gte=0"`
	QualityBoostEnabled   bool    `yaml:"quality_boost_enabled" json:"qualityBoostEnabled"`
	LearningEnabled       bool    `yaml:"learning_enabled" json:"learningEnabled"`
	AdaptiveAdjustment    bool    `yaml:"adaptive_adjustment" json:"adaptiveAdjustment"`
	// BoostTarget is the multi-axis score below which optimize adds a boost.
	BoostTarget float64 `yaml:"boost_target" json:"boostTarget" validate:"gte=0,lte=1"`
}

// DefaultSettings returns a 90% target with the stock sensitivities.
func DefaultSettings() Settings {
	return Settings{
		TargetRate:            0.90,
		AdjustmentSensitivity: 0.1,
		LearningRate:          0.05,
		QualityBoostEnabled:   true,
		LearningEnabled:       true,
		AdaptiveAdjustment:    true,
		BoostTarget:           0.75,
	}
}

// SettingsPatch is a partial settings update; nil fields are left alone.
type SettingsPatch struct {
	TargetRate            *float64 `yaml:"target_rate" json:"targetAGradeRate,omitempty"`
	AdjustmentSensitivity *float64 `yaml:"adjustment_sensitivity" json:"adjustmentSensitivity,omitempty"`
	LearningRate          *float64 `yaml:"learning_rate" json:"learningRate,omitempty"`
	QualityBoostEnabled   *bool    `yaml:"quality_boost_enabled" json:"qualityBoostEnabled,omitempty"`
	LearningEnabled       *bool    `yaml:"learning_enabled" json:"learningEnabled,omitempty"`
	AdaptiveAdjustment    *bool    `yaml:"adaptive_adjustment" json:"adaptiveAdjustment,omitempty"`
	BoostTarget           *float64 `yaml:"boost_target" json:"boostTarget,omitempty"`
}

// Apply returns s with every non-nil patch field written over it.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.TargetRate != nil {
		s.TargetRate = *p.TargetRate
	}
	if p.AdjustmentSensitivity != nil {
		s.AdjustmentSensitivity = *p.AdjustmentSensitivity
	}
	if p.LearningRate != nil {
		s.LearningRate = *p.LearningRate
	}
	if p.QualityBoostEnabled != nil {
		s.QualityBoostEnabled = *p.QualityBoostEnabled
	}
	if p.LearningEnabled != nil {
		s.LearningEnabled = *p.LearningEnabled
	}
	if p.AdaptiveAdjustment != nil {
		s.AdaptiveAdjustment = *p.AdaptiveAdjustment
	}
	if p.BoostTarget != nil {
		s.BoostTarget = *p.BoostTarget
	}
	return s
}

// PatchFrom builds a patch that sets every field of s.
func PatchFrom(s Settings) SettingsPatch {
	return SettingsPatch{
		TargetRate:            &s.TargetRate,
		AdjustmentSensitivity: &s.AdjustmentSensitivity,
		LearningRate:          &s.LearningRate,
		QualityBoostEnabled:   &s.QualityBoostEnabled,
		LearningEnabled:       &s.LearningEnabled,
		AdaptiveAdjustment:    &s.AdaptiveAdjustment,
		BoostTarget:           &s.BoostTarget,
	}
}

// #endregion settings

// #region options
// EventSink receives provenance entries for every regime decision. Entries
// are queued on the feedback path and delivered on the next tick.
type EventSink interface {
	Record(ctx context.Context, entry logging.ProvenanceEntry) error
}

// Options configures a controller. Zero-valued fields use the defaults;
// Learning.Disabled turns the periodic learning rules off.
type Options struct {
	Settings     Settings
	Axes         []scoring.QualityAxis
	NeutralScore float64
	Bases        map[string]float64
	Threshold    threshold.Config
	Ledger       ledger.Config
	Gate         gate.GateConfig
	Trend        trend.Config
	Learning     update.UpdateConfig
	// EmergencyLearningRate replaces the learning rate while escalated.
	EmergencyLearningRate float64
	// EventLimit bounds the escalation log and the pending provenance queue.
	EventLimit int

	Clock   clock.Clock
	Logger  *slog.Logger
	Gateway *state.Gateway
	Metrics *metrics.Metrics
	Sink    EventSink
}

// DefaultOptions returns every default filled in.
func DefaultOptions() Options {
	return Options{
		Settings:              DefaultSettings(),
		Axes:                  scoring.DefaultAxes(),
		NeutralScore:          scoring.DefaultNeutralScore,
		Bases:                 threshold.DefaultBases(),
		Threshold:             threshold.DefaultConfig(),
		Ledger:                ledger.DefaultConfig(),
		Gate:                  gate.DefaultGateConfig(),
		Trend:                 trend.DefaultConfig(),
		Learning:              update.DefaultUpdateConfig(),
		EmergencyLearningRate: 0.1,
		EventLimit:            100,
	}
}

// #endregion options

// #region results
// OptimizeResult is what Optimize hands back to the evaluation source.
type OptimizeResult struct {
	OriginalFactors   map[string]float64  `json:"originalFactors"`
	OptimizedFactors  map[string]float64  `json:"optimizedFactors"`
	MultiAxisScore    float64             `json:"multiAxisScore"`
	AxisScores        []scoring.AxisScore `json:"axisScores"`
	AppliedThresholds map[string]float64  `json:"appliedThresholds"`
	// Boost is zero when the boost is disabled or the score meets BoostTarget.
	Boost        float64 `json:"boost"`
	BoostEnabled bool    `json:"boostEnabled"`
}

// EscalationEvent records one emergency escalation.
type EscalationEvent struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Rate   float64   `json:"rate"`
	Target float64   `json:"target"`
	At     time.Time `json:"at"`
}

// Status is a read-only copy of the controller state.
type Status struct {
	Settings    Settings                       `json:"settings"`
	CurrentRate float64                        `json:"currentAGradeRate"`
	Thresholds  map[string]threshold.Threshold `json:"thresholds"`
	Performance ledger.PerformanceMetrics      `json:"performance"`
	LastUpdate  time.Time                      `json:"lastUpdate"`
	// Escalated is true between an emergency and the recovery that follows it.
	Escalated   bool                   `json:"escalated"`
	Dropped     int                    `json:"droppedRecords"`
	Escalations []EscalationEvent      `json:"escalations"`
	Adjustments []threshold.Adjustment `json:"adjustments"`
}

// ReportStatus is the headline of a monitoring report.
type ReportStatus string

const (
	TargetAchieved ReportStatus = "TARGET_ACHIEVED"
	Optimizing     ReportStatus = "OPTIMIZING"
)

// Report is the periodic monitoring summary.
type Report struct {
	CurrentRate       float64            `json:"currentAGradeRate"`
	TargetRate        float64            `json:"targetAGradeRate"`
	TotalCount        int                `json:"totalAnalyses"`
	AverageScore      float64            `json:"averageQualityScore"`
	ImprovementTrend  float64            `json:"improvementTrend"`
	Trend             trend.Trend        `json:"trend"`
	CurrentThresholds map[string]float64 `json:"currentThresholds"`
	Status            ReportStatus       `json:"status"`
}

// RestoreResult says what Restore found.
type RestoreResult struct {
	ThresholdsApplied int  `json:"thresholdsApplied"`
	HistoryRecords    int  `json:"historyRecords"`
	Stale             bool `json:"stale"` // no usable snapshot, thresholds at base
}

// #endregion results
