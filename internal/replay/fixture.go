package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/feed"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string                    `json:"description"`
	Settings    *controller.SettingsPatch `json:"settings,omitempty"`
	StepSeconds int                       `json:"step_seconds,omitempty"`
	TickSeconds int                       `json:"tick_seconds,omitempty"`
	Feedback    []feed.Envelope           `json:"feedback"`
	Expected    FixtureExpected           `json:"expected"`
}

// FixtureExpected lists the outcomes a run must reproduce. Nil fields are
// not checked.
type FixtureExpected struct {
	Status         controller.ReportStatus `json:"status,omitempty"`
	Accepted       *int                    `json:"accepted,omitempty"`
	Rejected       *int                    `json:"rejected,omitempty"`
	Escalated      *bool                   `json:"escalated,omitempty"`
	MinEscalations int                     `json:"min_escalations,omitempty"`
	// Below maps a component to a ceiling its final threshold must sit under.
	Below map[string]float64 `json:"below,omitempty"`
	// Above maps a component to a floor its final threshold must exceed.
	Above map[string]float64 `json:"above,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToConfig builds the run configuration the fixture describes on top of
// the defaults.
func (f *Fixture) ToConfig() Config {
	cfg := DefaultConfig()
	if f.Settings != nil {
		cfg.Options.Settings = f.Settings.Apply(cfg.Options.Settings)
	}
	if f.StepSeconds > 0 {
		cfg.Step = time.Duration(f.StepSeconds) * time.Second
	}
	if f.TickSeconds > 0 {
		cfg.TickEvery = time.Duration(f.TickSeconds) * time.Second
	}
	return cfg
}

// Check compares a run against the expectations and returns one line per
// mismatch.
func (f *Fixture) Check(sum Summary) []string {
	var diffs []string
	exp := f.Expected
	if exp.Status != "" && sum.Report.Status != exp.Status {
		diffs = append(diffs, fmt.Sprintf("status: expected %s, got %s", exp.Status, sum.Report.Status))
	}
	if exp.Accepted != nil && sum.Accepted != *exp.Accepted {
		diffs = append(diffs, fmt.Sprintf("accepted: expected %d, got %d", *exp.Accepted, sum.Accepted))
	}
	if exp.Rejected != nil && sum.Rejected != *exp.Rejected {
		diffs = append(diffs, fmt.Sprintf("rejected: expected %d, got %d", *exp.Rejected, sum.Rejected))
	}
	if exp.Escalated != nil && sum.Status.Escalated != *exp.Escalated {
		diffs = append(diffs, fmt.Sprintf("escalated: expected %t, got %t", *exp.Escalated, sum.Status.Escalated))
	}
	if sum.EvalFailures > 0 {
		diffs = append(diffs, fmt.Sprintf("eval: %d steps broke a bound", sum.EvalFailures))
	}
	if sum.Escalations < exp.MinEscalations {
		diffs = append(diffs, fmt.Sprintf("escalations: expected at least %d, got %d", exp.MinEscalations, sum.Escalations))
	}
	for comp, ceiling := range exp.Below {
		th, ok := sum.Status.Thresholds[comp]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("threshold %s: missing", comp))
		case th.Current >= ceiling:
			diffs = append(diffs, fmt.Sprintf("threshold %s: expected below %.4f, got %.4f", comp, ceiling, th.Current))
		}
	}
	for comp, floor := range exp.Above {
		th, ok := sum.Status.Thresholds[comp]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("threshold %s: missing", comp))
		case th.Current <= floor:
			diffs = append(diffs, fmt.Sprintf("threshold %s: expected above %.4f, got %.4f", comp, floor, th.Current))
		}
	}
	return diffs
}

// #endregion fixture-loader
