package trend

import "math"

// #region direction
// Direction classifies where quality is heading.
type Direction string

const (
	Improving Direction = "improving"
	Stable    Direction = "stable"
	Declining Direction = "declining"
)

// #endregion direction

// #region config
// Config holds the trend window and classification thresholds.
type Config struct {
	Window          int     // most recent scores considered
	MinSamples      int     // below this no trend is reported
	Band            float64 // |delta| at or under this is stable
	PreventiveAbove float64 // declining strength that triggers preventive relaxation
	MaxIntensity    float64 // cap on preventive intensity
}

// DefaultConfig returns the 50-record window used by the predictive path.
func DefaultConfig() Config {
	return Config{
		Window:          50,
		MinSamples:      10,
		Band:            0.02,
		PreventiveAbove: 0.3,
		MaxIntensity:    0.2,
	}
}

// WithDefaults fills every non-positive field from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.Band <= 0 {
		c.Band = def.Band
	}
	if c.PreventiveAbove <= 0 {
		c.PreventiveAbove = def.PreventiveAbove
	}
	if c.MaxIntensity <= 0 {
		c.MaxIntensity = def.MaxIntensity
	}
	return c
}

// #endregion config

// #region trend
// Trend is the result of comparing the recent half of a window to the earlier half.
type Trend struct {
	Direction  Direction `json:"direction"`
	Strength   float64   `json:"strength"`
	RecentAvg  float64   `json:"recentAvg"`
	EarlierAvg float64   `json:"earlierAvg"`
	Samples    int       `json:"samples"`
}

// Preventive reports whether this trend calls for preventive relaxation and
// with what intensity.
func (t Trend) Preventive(cfg Config) (float64, bool) {
	if t.Direction != Declining || t.Strength <= cfg.PreventiveAbove {
		return 0, false
	}
	return math.Min(t.Strength*2, cfg.MaxIntensity), true
}

// Analyze classifies the direction of the last cfg.Window scores (oldest
// first). With fewer than cfg.MinSamples scores the trend is Stable with
// zero strength. For an odd count the middle score belongs to neither half.
func Analyze(scores []float64, cfg Config) Trend {
	if cfg.Window > 0 && len(scores) > cfg.Window {
		scores = scores[len(scores)-cfg.Window:]
	}
	if len(scores) < cfg.MinSamples || len(scores) < 2 {
		return Trend{Direction: Stable, Samples: len(scores)}
	}

	half := len(scores) / 2
	earlier := mean(scores[:half])
	recent := mean(scores[len(scores)-half:])
	delta := recent - earlier

	dir := Stable
	switch {
	case delta > cfg.Band:
		dir = Improving
	case delta < -cfg.Band:
		dir = Declining
	}

	return Trend{
		Direction:  dir,
		Strength:   math.Abs(delta),
		RecentAvg:  recent,
		EarlierAvg: earlier,
		Samples:    len(scores),
	}
}

// #endregion trend

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
