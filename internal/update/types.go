package update

// #region rule
// Rule names the learning outcome of a cycle.
type Rule string

const (
	RuleNone      Rule = "none"
	RuleReinforce Rule = "reinforce"
	RuleRelax     Rule = "relax"
	RuleDecay     Rule = "fine_tune_decay"
)

// #endregion rule

// #region success
// Success summarizes the short-term outcome window the rules look at.
type Success struct {
	TotalCount int     // records retained in the ledger
	LocalRate  float64 // pass rate over the window
	Samples    int     // records in the window
}

// #endregion success

// #region decision
// Decision is the multiplier a rule wants applied to every threshold.
// A multiplier of 1 means no change.
type Decision struct {
	Rule       Rule
	Multiplier float64
	Reason     string
}

// #endregion decision

// #region update-config
// UpdateConfig holds the learning and fine-tune parameters. The zero
// value has learning enabled.
type UpdateConfig struct {
	Disabled        bool
	MinTotal        int     // learning waits for this many records
	Window          int     // records in the success window
	ReinforceAbove  float64 // local rate above this reinforces
	RelaxBelow      float64 // local rate below this relaxes
	ReinforceFactor float64 // tightening multiplier
	RelaxFactor     float64 // relaxing multiplier
	DecayFactor     float64 // fine-tune multiplier
}

// DefaultUpdateConfig returns the learning defaults.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		MinTotal:        5,
		Window:          20,
		ReinforceAbove:  0.8,
		RelaxBelow:      0.6,
		ReinforceFactor: 1.02,
		RelaxFactor:     0.95,
		DecayFactor:     0.98,
	}
}

// WithDefaults fills every non-positive numeric field from
// DefaultUpdateConfig. Disabled is kept as given.
func (c UpdateConfig) WithDefaults() UpdateConfig {
	def := DefaultUpdateConfig()
	if c.MinTotal <= 0 {
		c.MinTotal = def.MinTotal
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.ReinforceAbove <= 0 {
		c.ReinforceAbove = def.ReinforceAbove
	}
	if c.RelaxBelow <= 0 {
		c.RelaxBelow = def.RelaxBelow
	}
	if c.ReinforceFactor <= 0 {
		c.ReinforceFactor = def.ReinforceFactor
	}
	if c.RelaxFactor <= 0 {
		c.RelaxFactor = def.RelaxFactor
	}
	if c.DecayFactor <= 0 {
		c.DecayFactor = def.DecayFactor
	}
	return c
}

// #endregion update-config
