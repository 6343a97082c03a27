package scoring

import (
	"errors"
	"fmt"
)

// ErrInvalidAxis is returned by NewScorer for an unusable axis definition.
var ErrInvalidAxis = errors.New("invalid quality axis")

// #region scorer
// Scorer combines component metric values into per-axis and overall scores.
// It has no mutable state and is safe for concurrent use.
type Scorer struct {
	axes    []QualityAxis
	neutral float64
}

// NewScorer validates the axes and returns a scorer. neutral is the score
// reported when no axis has data; pass DefaultNeutralScore for the usual 0.7.
func NewScorer(axes []QualityAxis, neutral float64) (*Scorer, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("%w: no axes configured", ErrInvalidAxis)
	}
	seen := make(map[string]bool, len(axes))
	copied := make([]QualityAxis, len(axes))
	for i, a := range axes {
		switch {
		case a.Name == "":
			return nil, fmt.Errorf("%w: axis %d has no name", ErrInvalidAxis, i)
		case seen[a.Name]:
			return nil, fmt.Errorf("%w: duplicate axis %q", ErrInvalidAxis, a.Name)
		case a.Weight <= 0 || a.Weight > 1:
			return nil, fmt.Errorf("%w: axis %q weight %.4f outside (0, 1]", ErrInvalidAxis, a.Name, a.Weight)
		case len(a.Components) == 0:
			return nil, fmt.Errorf("%w: axis %q has no components", ErrInvalidAxis, a.Name)
		}
		seen[a.Name] = true
		a.Components = append([]string(nil), a.Components...)
		copied[i] = a
	}
	return &Scorer{axes: copied, neutral: neutral}, nil
}

// Neutral returns the score used when nothing can be scored.
func (s *Scorer) Neutral() float64 { return s.neutral }

// Axes returns a copy of the configured axes.
func (s *Scorer) Axes() []QualityAxis {
	out := make([]QualityAxis, len(s.axes))
	for i, a := range s.axes {
		a.Components = append([]string(nil), a.Components...)
		out[i] = a
	}
	return out
}

// Components returns every component name referenced by an axis, in axis order.
func (s *Scorer) Components() []string {
	var names []string
	seen := map[string]bool{}
	for _, a := range s.axes {
		for _, c := range a.Components {
			if !seen[c] {
				seen[c] = true
				names = append(names, c)
			}
		}
	}
	return names
}

// #endregion scorer

// #region score
// AxisScores returns the mean of the present components per axis.
// Axes with none of their components present are omitted.
func (s *Scorer) AxisScores(factors map[string]float64) []AxisScore {
	var out []AxisScore
	for _, a := range s.axes {
		var sum float64
		var count int
		for _, c := range a.Components {
			if v, ok := factors[c]; ok {
				sum += v
				count++
			}
		}
		if count == 0 {
			continue
		}
		out = append(out, AxisScore{
			Axis:       a.Name,
			Score:      sum / float64(count),
			Weight:     a.Weight,
			Components: count,
		})
	}
	return out
}

// Score returns the weight-normalized combination of the axis scores, or the
// neutral score when no axis had data.
func (s *Scorer) Score(factors map[string]float64) float64 {
	var total, weight float64
	for _, as := range s.AxisScores(factors) {
		total += as.Score * as.Weight
		weight += as.Weight
	}
	if weight == 0 {
		return s.neutral
	}
	return total / weight
}

// #endregion score
