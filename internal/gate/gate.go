package gate

import (
	"fmt"
	"math"
)

// #region gate
// Gate decides between emergency escalation and fine-tuning for one
// monitoring pass.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the gate configuration.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks the cold-start guard, then emergency, then fine-tune.
// Emergency takes precedence whenever both conditions hold.
func (g *Gate) Evaluate(in Input) GateDecision {
	if in.TotalCount < g.config.MinSample {
		return GateDecision{
			Action: ActionHold,
			Reason: fmt.Sprintf("cold start: %d of %d samples", in.TotalCount, g.config.MinSample),
		}
	}

	emergencyLine := in.Target * g.config.EmergencyRatio
	var eligible []Action

	// 1. Emergency: rate collapsed far below target
	if in.Rate < emergencyLine {
		eligible = append(eligible, ActionEmergency)
	}

	// 2. Fine-tune: rate close to target
	if math.Abs(in.Rate-in.Target) < g.config.FineTuneBand {
		eligible = append(eligible, ActionFineTune)
	}

	decision := GateDecision{
		Action:    ActionHold,
		Reason:    fmt.Sprintf("rate %.4f outside fine-tune band of target %.4f", in.Rate, in.Target),
		Eligible:  eligible,
		Recovered: in.Rate >= emergencyLine,
	}
	if len(eligible) == 0 {
		return decision
	}

	decision.Action = eligible[0]
	switch decision.Action {
	case ActionEmergency:
		decision.Reason = fmt.Sprintf("rate %.4f below emergency line %.4f", in.Rate, emergencyLine)
	case ActionFineTune:
		decision.Reason = fmt.Sprintf("rate %.4f within %.4f of target %.4f", in.Rate, g.config.FineTuneBand, in.Target)
	}
	return decision
}

// #endregion gate
