package update

import "fmt"

// #region learn
// Learn is a pure function mapping the recent success window to a threshold
// multiplier. Holding regimes that pass often are mildly tightened; regimes
// that fail often are relaxed. Callers re-clamp after applying it.
func Learn(s Success, config UpdateConfig) Decision {
	if config.Disabled {
		return Decision{Rule: RuleNone, Multiplier: 1, Reason: "learning disabled"}
	}
	if s.TotalCount < config.MinTotal || s.Samples == 0 {
		return Decision{
			Rule:       RuleNone,
			Multiplier: 1,
			Reason:     fmt.Sprintf("insufficient data: %d of %d records", s.TotalCount, config.MinTotal),
		}
	}

	switch {
	case s.LocalRate > config.ReinforceAbove:
		return Decision{
			Rule:       RuleReinforce,
			Multiplier: config.ReinforceFactor,
			Reason:     fmt.Sprintf("local rate %.4f above %.4f over %d records", s.LocalRate, config.ReinforceAbove, s.Samples),
		}
	case s.LocalRate < config.RelaxBelow:
		return Decision{
			Rule:       RuleRelax,
			Multiplier: config.RelaxFactor,
			Reason:     fmt.Sprintf("local rate %.4f below %.4f over %d records", s.LocalRate, config.RelaxBelow, s.Samples),
		}
	}
	return Decision{
		Rule:       RuleNone,
		Multiplier: 1,
		Reason:     fmt.Sprintf("local rate %.4f inside [%.4f, %.4f]", s.LocalRate, config.RelaxBelow, config.ReinforceAbove),
	}
}

// #endregion learn

// #region fine-tune
// FineTune decides the small decay applied when the overall rate is near
// target: decay only if the recent window is still short of target.
func FineTune(s Success, target float64, config UpdateConfig) Decision {
	if s.Samples == 0 {
		return Decision{Rule: RuleNone, Multiplier: 1, Reason: "no recent records"}
	}
	if s.LocalRate < target {
		return Decision{
			Rule:       RuleDecay,
			Multiplier: config.DecayFactor,
			Reason:     fmt.Sprintf("recent rate %.4f short of target %.4f", s.LocalRate, target),
		}
	}
	return Decision{
		Rule:       RuleNone,
		Multiplier: 1,
		Reason:     fmt.Sprintf("recent rate %.4f meets target %.4f", s.LocalRate, target),
	}
}

// #endregion fine-tune
