package gate

import "testing"

func TestGateColdStartHoldsRegardlessOfRate(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	for _, rate := range []float64{0, 0.2, 0.88, 1} {
		d := g.Evaluate(Input{TotalCount: 9, Rate: rate, Target: 0.9})
		if d.Action != ActionHold {
			t.Fatalf("rate %.2f: expected hold during cold start, got %s", rate, d.Action)
		}
		if len(d.Eligible) != 0 {
			t.Fatalf("rate %.2f: expected no eligible actions, got %v", rate, d.Eligible)
		}
	}
}

func TestGateEmergency(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	d := g.Evaluate(Input{TotalCount: 10, Rate: 0.2, Target: 0.9})

	if d.Action != ActionEmergency {
		t.Fatalf("expected emergency, got %s: %s", d.Action, d.Reason)
	}
	if d.Recovered {
		t.Fatal("should not be recovered below the emergency line")
	}
}

func TestGateFineTune(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	d := g.Evaluate(Input{TotalCount: 40, Rate: 0.87, Target: 0.9})

	if d.Action != ActionFineTune {
		t.Fatalf("expected fine_tune, got %s: %s", d.Action, d.Reason)
	}
	if !d.Recovered {
		t.Fatal("expected recovered above the emergency line")
	}
}

func TestGateHoldBetweenBands(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	d := g.Evaluate(Input{TotalCount: 40, Rate: 0.6, Target: 0.9})

	if d.Action != ActionHold {
		t.Fatalf("expected hold, got %s", d.Action)
	}
}

// With a low target the emergency line and the fine-tune band overlap.
// Emergency must win and both must be reported as eligible.
func TestGateEmergencyTakesPrecedenceOverFineTune(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	d := g.Evaluate(Input{TotalCount: 20, Rate: 0.035, Target: 0.08})

	if d.Action != ActionEmergency {
		t.Fatalf("expected emergency to win, got %s", d.Action)
	}
	if len(d.Eligible) != 2 || d.Eligible[0] != ActionEmergency || d.Eligible[1] != ActionFineTune {
		t.Fatalf("expected [emergency fine_tune] eligible, got %v", d.Eligible)
	}
}

func TestGateCustomMinSample(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.MinSample = 3
	g := NewGate(cfg)

	d := g.Evaluate(Input{TotalCount: 3, Rate: 0, Target: 0.9})

	if d.Action != ActionEmergency {
		t.Fatalf("expected emergency at custom min sample, got %s", d.Action)
	}
}

func TestGateConfigWithDefaults(t *testing.T) {
	cfg := GateConfig{MinSample: 3}.WithDefaults()

	if cfg.MinSample != 3 {
		t.Fatalf("expected min sample 3 kept, got %d", cfg.MinSample)
	}
	if cfg.EmergencyRatio != 0.5 || cfg.FineTuneBand != 0.05 {
		t.Fatalf("expected unset fields defaulted, got %+v", cfg)
	}
}
