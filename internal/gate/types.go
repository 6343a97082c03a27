package gate

// #region action
// Action is what the monitoring gate asks the controller to do.
type Action string

const (
	ActionHold      Action = "hold"
	ActionEmergency Action = "emergency"
	ActionFineTune  Action = "fine_tune"
)

// #endregion action

// #region gate-config
// GateConfig holds the monitoring thresholds.
type GateConfig struct {
	MinSample      int     // cold-start guard: no action below this many records
	EmergencyRatio float64 // emergency when rate < target*ratio
	FineTuneBand   float64 // fine-tune when |rate-target| < band
}

// DefaultGateConfig returns the monitoring defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinSample:      10,
		EmergencyRatio: 0.5,
		FineTuneBand:   0.05,
	}
}

// WithDefaults fills every non-positive field from DefaultGateConfig.
func (c GateConfig) WithDefaults() GateConfig {
	def := DefaultGateConfig()
	if c.MinSample <= 0 {
		c.MinSample = def.MinSample
	}
	if c.EmergencyRatio <= 0 {
		c.EmergencyRatio = def.EmergencyRatio
	}
	if c.FineTuneBand <= 0 {
		c.FineTuneBand = def.FineTuneBand
	}
	return c
}

// #endregion gate-config

// #region gate-input
// Input is the rate picture the gate is evaluated against.
type Input struct {
	TotalCount int
	Rate       float64
	Target     float64
}

// #endregion gate-input

// #region gate-decision
// GateDecision is the output of the monitoring gate.
type GateDecision struct {
	Action Action
	Reason string
	// Eligible lists every action whose condition held, in precedence order.
	// More than one entry means precedence decided the outcome.
	Eligible []Action
	// Recovered is true once the rate is back at or above the emergency line.
	Recovered bool
}

// #endregion gate-decision
