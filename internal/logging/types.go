package logging

import "time"

// #region kind
// Kind classifies a provenance entry.
type Kind string

const (
	KindEmergency  Kind = "emergency"
	KindRecovery   Kind = "recovery"
	KindFineTune   Kind = "fine_tune"
	KindLearning   Kind = "learning"
	KindPreventive Kind = "preventive"
	KindSettings   Kind = "settings"
)

// #endregion kind

// #region provenance-entry
// ProvenanceEntry is a single row in the adjustment_log table: one
// threshold-regime decision and the inputs it was taken on.
type ProvenanceEntry struct {
	EventID    string
	Kind       Kind
	Rule       string // e.g. "quality_boost", "reinforce", "fine_tune_decay"
	Rate       float64
	Target     float64
	TotalCount int
	// ThresholdsJSON is the threshold snapshot after the decision.
	ThresholdsJSON string
	Reason         string
	CreatedAt      time.Time
}

// #endregion provenance-entry
