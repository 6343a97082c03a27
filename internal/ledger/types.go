package ledger

import "time"

// #region evaluation-record
// EvaluationRecord is one completed evaluation as seen by the controller.
// Records are immutable once appended.
type EvaluationRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	Grade          string             `json:"grade"`
	QualityScore   float64            `json:"qualityScore"`
	QualityFactors map[string]float64 `json:"qualityFactors,omitempty"`
	Thresholds     map[string]float64 `json:"thresholds,omitempty"`
}

// #endregion evaluation-record

// #region performance-metrics
// PerformanceMetrics holds the incrementally tracked counters. They cover
// the retained records only; eviction takes a record back out.
type PerformanceMetrics struct {
	TotalCount          int     `json:"totalAnalyses"`
	PassCount           int     `json:"aGradeAchievements"`
	RunningAverageScore float64 `json:"averageQualityScore"`
	ImprovementTrend    float64 `json:"improvementTrend"`
}

// PassRate returns PassCount/TotalCount, or 0 when nothing was counted.
func (m PerformanceMetrics) PassRate() float64 {
	if m.TotalCount == 0 {
		return 0
	}
	return float64(m.PassCount) / float64(m.TotalCount)
}

// #endregion performance-metrics

// #region ledger-config
// Config controls ledger capacity and what counts as a pass.
type Config struct {
	Capacity int    // max records retained (FIFO eviction)
	TopGrade string // grade counted as a pass
}

// DefaultConfig keeps the last 1000 records and counts "A" as a pass.
func DefaultConfig() Config {
	return Config{
		Capacity: 1000,
		TopGrade: "A",
	}
}

// #endregion ledger-config
