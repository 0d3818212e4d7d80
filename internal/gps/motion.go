package gps

const (
	// DefaultStopSpeed is ~0.67 mph, below GPS and walking noise.
	DefaultStopSpeed = 0.3
	// DefaultDepartSpeed is 10 mph in m/s.
	DefaultDepartSpeed = 4.4704
)

// Thresholds split speeds (m/s) into stopped, departing and the band in
// between, which counts as neither.
type Thresholds struct {
	StopSpeed   float64
	DepartSpeed float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{StopSpeed: DefaultStopSpeed, DepartSpeed: DefaultDepartSpeed}
}

type Motion struct {
	Known     bool
	Stopped   bool
	Departing bool
}

// Classify reports how a speed reading should affect detection. An unknown
// speed is neither stopped nor departing.
func (t Thresholds) Classify(speed *float64) Motion {
	if speed == nil {
		return Motion{}
	}
	return Motion{
		Known:     true,
		Stopped:   *speed <= t.StopSpeed,
		Departing: *speed >= t.DepartSpeed,
	}
}

func (m Motion) String() string {
	switch {
	case !m.Known:
		return "unknown"
	case m.Stopped:
		return "stopped"
	case m.Departing:
		return "departing"
	default:
		return "moving"
	}
}
