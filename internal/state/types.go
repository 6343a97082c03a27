package state

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/ledger"
)

// ErrNotFound is returned by a KV when the key does not exist.
var ErrNotFound = errors.New("key not found")

// #region kv
// KV is the key-value port the gateway persists through. Adapters live in
// this package (sqlite, badger, postgres, memory); any other backend only
// needs these three calls.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// #endregion kv

// #region keys
const (
	// StateKey holds the {thresholds, settings, metrics, timestamp} document.
	StateKey = "quality_optimization_state"
	// HistoryKey holds the most recent ledger records.
	HistoryKey = "quality_history"
)

// #endregion keys

// #region snapshot
// Settings is the persisted form of the controller settings.
type Settings struct {
	TargetRate            float64 `json:"targetAGradeRate"`
	CurrentRate           float64 `json:"currentAGradeRate"`
	AdjustmentSensitivity float64 `json:"adjustmentSensitivity"`
	LearningRate          float64 `json:"learningRate"`
	QualityBoostEnabled   bool    `json:"qualityBoostEnabled"`
}

// Snapshot is the state document written on each tick.
type Snapshot struct {
	Thresholds map[string]float64        `json:"thresholds"`
	Settings   Settings                  `json:"settings"`
	Metrics    ledger.PerformanceMetrics `json:"metrics"`
	Timestamp  int64                     `json:"timestamp"` // unix milliseconds
}

// SavedAt returns the snapshot timestamp as a time.
func (s Snapshot) SavedAt() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// #endregion snapshot

// #region gateway-config
// GatewayConfig controls timeouts, staleness and history size.
type GatewayConfig struct {
	Timeout      time.Duration // bound on every KV call
	MaxAge       time.Duration // older snapshots are discarded on load
	HistoryLimit int           // records written per save
}

// DefaultGatewayConfig returns a 2s timeout, 24h staleness and 100 records.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeout:      2 * time.Second,
		MaxAge:       24 * time.Hour,
		HistoryLimit: 100,
	}
}

// #endregion gateway-config
