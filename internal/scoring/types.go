package scoring

// #region quality-axis
// QualityAxis is a named, weighted group of component metrics.
// Weights need not sum to 1; they are normalized over the axes that had data.
type QualityAxis struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Weight      float64  `yaml:"weight" json:"weight" validate:"gt=0,lte=1"`
	Components  []string `yaml:"components" json:"components" validate:"required,min=1,dive,required"`
	TargetScore float64  `yaml:"target_score" json:"targetScore" validate:"gte=0,lte=1"`
}

// DefaultNeutralScore is returned when no axis had any component data.
const DefaultNeutralScore = 0.7

// DefaultAxes returns the four evaluation axes used out of the box.
func DefaultAxes() []QualityAxis {
	return []QualityAxis{
		{Name: "technical", Weight: 0.35, Components: []string{"confidence", "completion", "performance"}, TargetScore: 0.75},
		{Name: "quality", Weight: 0.30, Components: []string{"depth", "consistency", "initialization"}, TargetScore: 0.80},
		{Name: "user_experience", Weight: 0.20, Components: []string{"usability", "satisfaction", "clarity"}, TargetScore: 0.85},
		{Name: "system_reliability", Weight: 0.15, Components: []string{"stability", "recovery", "availability"}, TargetScore: 0.90},
	}
}

// #endregion quality-axis

// #region axis-score
// AxisScore is the mean of one axis' present components.
type AxisScore struct {
	Axis       string  `json:"axis"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Components int     `json:"components"` // how many components contributed
}

// #endregion axis-score
