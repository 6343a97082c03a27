package threshold

import "time"

// #region threshold
// Threshold is the base and current acceptance value for one component metric.
type Threshold struct {
	Base    float64 `json:"base"`
	Current float64 `json:"current"`
}

// DefaultBases returns the base thresholds per component metric.
func DefaultBases() map[string]float64 {
	return map[string]float64{
		"confidence":     0.5,
		"completion":     0.6,
		"initialization": 0.6,
		"depth":          0.6,
		"performance":    0.6,
		"consistency":    0.7,
	}
}

// #endregion threshold

// #region direction
// Direction records what an adjustment did.
type Direction string

const (
	Relax   Direction = "relax"
	Tighten Direction = "tighten"
	Hold    Direction = "hold"
)

// #endregion direction

// #region config
// Config holds the bound factors of the control law. All floors and
// ceilings are multiples of each threshold's base.
type Config struct {
	GlobalFloor     float64 // hard lower bound, every path
	GlobalCeiling   float64 // hard upper bound, every path
	RelaxFloor      float64 // lower bound of the reactive relax path
	HysteresisBand  float64 // tighten only above target+band
	TightenDamping  float64 // tighten step is this fraction of the relax step
	EmergencyFactor float64 // emergency sets current = base*factor
	HistoryCapacity int     // adjustment log size
}

// DefaultConfig returns the control law constants.
func DefaultConfig() Config {
	return Config{
		GlobalFloor:     0.5,
		GlobalCeiling:   1.2,
		RelaxFloor:      0.7,
		HysteresisBand:  0.05,
		TightenDamping:  0.5,
		EmergencyFactor: 0.6,
		HistoryCapacity: 100,
	}
}

// #endregion config

// #region adjustment
// Adjustment is one entry of the adjustment log.
type Adjustment struct {
	At           time.Time          `json:"timestamp"`
	Thresholds   map[string]float64 `json:"thresholds"`
	AchievedRate float64            `json:"aGradeRate"`
	Direction    Direction          `json:"direction"`
	Factor       float64            `json:"factor"`
}

// #endregion adjustment
