package threshold

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidBase is returned when a base threshold is not a positive finite number.
var ErrInvalidBase = errors.New("invalid base threshold")

// #region store-struct
// Store owns the current and base threshold per component metric and
// applies every threshold mutation. Each mutation leaves current inside
// [base*GlobalFloor, base*GlobalCeiling]. Not safe for concurrent use.
type Store struct {
	config     Config
	names      []string // sorted for deterministic iteration
	thresholds map[string]*Threshold
	history    []Adjustment
}

// NewStore creates a store whose current thresholds start at their bases.
func NewStore(bases map[string]float64, config Config) (*Store, error) {
	if len(bases) == 0 {
		return nil, fmt.Errorf("%w: no thresholds configured", ErrInvalidBase)
	}
	if config.GlobalCeiling <= 0 {
		config = DefaultConfig()
	}
	if config.HistoryCapacity <= 0 {
		config.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	s := &Store{
		config:     config,
		thresholds: make(map[string]*Threshold, len(bases)),
	}
	for name, base := range bases {
		if base <= 0 || math.IsNaN(base) || math.IsInf(base, 0) {
			return nil, fmt.Errorf("%w: %s=%v", ErrInvalidBase, name, base)
		}
		s.names = append(s.names, name)
		s.thresholds[name] = &Threshold{Base: base, Current: base}
	}
	sort.Strings(s.names)
	return s, nil
}

// #endregion store-struct

// #region read
// Current returns the current threshold for a component metric.
func (s *Store) Current(name string) (float64, bool) {
	t, ok := s.thresholds[name]
	if !ok {
		return 0, false
	}
	return t.Current, true
}

// Snapshot returns a copy of the current thresholds.
func (s *Store) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, name := range s.names {
		out[name] = s.thresholds[name].Current
	}
	return out
}

// Thresholds returns a copy of every base/current pair.
func (s *Store) Thresholds() map[string]Threshold {
	out := make(map[string]Threshold, len(s.names))
	for _, name := range s.names {
		out[name] = *s.thresholds[name]
	}
	return out
}

// Bounds returns the hard [lo, hi] range for a component metric.
func (s *Store) Bounds(name string) (lo, hi float64, ok bool) {
	t, ok := s.thresholds[name]
	if !ok {
		return 0, 0, false
	}
	return t.Base * s.config.GlobalFloor, t.Base * s.config.GlobalCeiling, true
}

// History returns a copy of the adjustment log, oldest first.
func (s *Store) History() []Adjustment {
	out := make([]Adjustment, len(s.history))
	for i, a := range s.history {
		a.Thresholds = copyMap(a.Thresholds)
		out[i] = a
	}
	return out
}

// #endregion read

// #region adjust
// Adjust applies the reactive control law for one feedback cycle.
// Below target every threshold relaxes by (target-achieved)*sensitivity of
// itself, floored at base*RelaxFloor. Above target+HysteresisBand it tightens
// by half that rate, capped at base*GlobalCeiling. Inside the band nothing
// changes. Every call is appended to the adjustment log.
func (s *Store) Adjust(achieved, target, sensitivity float64, at time.Time) Direction {
	dir := Hold
	var factor float64

	switch {
	case achieved < target:
		dir = Relax
		factor = (target - achieved) * sensitivity
		for _, name := range s.names {
			t := s.thresholds[name]
			s.set(t, math.Max(t.Base*s.config.RelaxFloor, t.Current-t.Current*factor))
		}
	case achieved > target+s.config.HysteresisBand:
		dir = Tighten
		factor = (achieved - target) * sensitivity * s.config.TightenDamping
		for _, name := range s.names {
			t := s.thresholds[name]
			s.set(t, math.Min(t.Base*s.config.GlobalCeiling, t.Current+t.Current*factor))
		}
	}

	s.record(Adjustment{
		At:           at,
		Thresholds:   s.Snapshot(),
		AchievedRate: achieved,
		Direction:    dir,
		Factor:       factor,
	})
	return dir
}

// Preventive relaxes every threshold by intensity of itself, floored at
// base*GlobalFloor.
func (s *Store) Preventive(intensity float64) {
	for _, name := range s.names {
		t := s.thresholds[name]
		s.set(t, t.Current-t.Current*intensity)
	}
}

// Emergency drops every threshold to base*EmergencyFactor.
func (s *Store) Emergency() {
	for _, name := range s.names {
		t := s.thresholds[name]
		s.set(t, t.Base*s.config.EmergencyFactor)
	}
}

// Scale multiplies every threshold and re-clamps to the global bounds.
// Used by fine-tune decay and the learning rules.
func (s *Store) Scale(multiplier float64) {
	for _, name := range s.names {
		t := s.thresholds[name]
		s.set(t, t.Current*multiplier)
	}
}

// Reset puts every threshold back at its base.
func (s *Store) Reset() {
	for _, t := range s.thresholds {
		t.Current = t.Base
	}
}

// Restore applies persisted current values. Unknown names are ignored and
// values are clamped to the global bounds.
func (s *Store) Restore(current map[string]float64) int {
	applied := 0
	for name, v := range current {
		t, ok := s.thresholds[name]
		if !ok || math.IsNaN(v) {
			continue
		}
		s.set(t, v)
		applied++
	}
	return applied
}

// #endregion adjust

// #region helpers
// set writes v clamped to the global bounds. Out-of-range values are a
// silent clamp, never an error.
func (s *Store) set(t *Threshold, v float64) {
	lo := t.Base * s.config.GlobalFloor
	hi := t.Base * s.config.GlobalCeiling
	t.Current = math.Min(hi, math.Max(lo, v))
}

func (s *Store) record(a Adjustment) {
	if len(s.history) >= s.config.HistoryCapacity {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, a)
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// #endregion helpers
