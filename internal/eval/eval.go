package eval

import (
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
)

// #region eval-harness
// EvalHarness checks a controller status against its invariants.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultEvalConfig().Tolerance
	}
	return &EvalHarness{config: config}
}

// Run validates st. Threshold bounds, rate range and ledger consistency
// are blocking; the escalation check is informational since a recovered
// rate only clears escalation on the next feedback.
func (h *EvalHarness) Run(st controller.Status) EvalResult {
	var metrics []EvalMetric
	var failReasons []string
	tol := h.config.Tolerance

	check := func(m EvalMetric, reason string) {
		metrics = append(metrics, m)
		if !m.Pass && !m.Informational {
			failReasons = append(failReasons, reason)
		}
	}

	// 1. Every threshold within its clamp
	names := make([]string, 0, len(st.Thresholds))
	for name := range st.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		th := st.Thresholds[name]
		ratio := 0.0
		if th.Base > 0 {
			ratio = th.Current / th.Base
		}
		pass := th.Base > 0 && ratio >= h.config.FloorRatio-tol && ratio <= h.config.CeilingRatio+tol
		check(EvalMetric{Name: fmt.Sprintf("threshold_%s_ratio", name), Value: ratio, Pass: pass},
			fmt.Sprintf("%s threshold at %.4f of base, outside [%.2f, %.2f]", name, ratio, h.config.FloorRatio, h.config.CeilingRatio))
	}

	// 2. Rate in [0, 1]
	rate := st.CurrentRate
	check(EvalMetric{Name: "rate", Value: rate, Pass: rate >= 0 && rate <= 1},
		fmt.Sprintf("rate %.4f outside [0, 1]", rate))

	// 3. Rate agrees with the ledger counts
	p := st.Performance
	want := 0.0
	if p.TotalCount > 0 {
		want = float64(p.PassCount) / float64(p.TotalCount)
	}
	drift := math.Abs(want - rate)
	check(EvalMetric{Name: "rate_drift", Value: drift, Pass: p.PassCount <= p.TotalCount && drift <= tol},
		fmt.Sprintf("rate %.4f disagrees with %d/%d", rate, p.PassCount, p.TotalCount))

	// 4. Average score in [0, 1]
	avg := p.RunningAverageScore
	check(EvalMetric{Name: "average_score", Value: avg, Pass: avg >= 0 && avg <= 1},
		fmt.Sprintf("average score %.4f outside [0, 1]", avg))

	// 5. Escalated only while below the emergency line: informational
	line := st.Settings.TargetRate * h.config.EmergencyRatio
	check(EvalMetric{
		Name:          "escalation_consistent",
		Value:         rate - line,
		Pass:          !st.Escalated || rate < line+tol,
		Informational: true,
	}, "")

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness
