package eval

// #region eval-config
// EvalConfig holds the bounds a controller state must respect.
type EvalConfig struct {
	FloorRatio     float64 // lowest allowed current/base
	CeilingRatio   float64 // highest allowed current/base
	EmergencyRatio float64 // rate/target below which escalation is expected
	Tolerance      float64 // slack for float comparisons
}

// DefaultEvalConfig matches the controller's global clamp and emergency line.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		FloorRatio:     0.5,
		CeilingRatio:   1.2,
		EmergencyRatio: 0.5,
		Tolerance:      1e-9,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
	// Informational checks never fail the run.
	Informational bool `json:"informational,omitempty"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of one validation pass.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
