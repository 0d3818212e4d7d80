package gps

import (
	"math"
	"time"
)

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Sample is one reading from a device's location stream. Speed and
// Position are nil when the device could not provide them. Time is the
// arrival time.
type Sample struct {
	Speed    *float64
	Position *Position
	Time     time.Time
}

// Speed returns a pointer to v for building samples.
func Speed(v float64) *float64 {
	return &v
}

// NormalizeSpeed maps readings devices use to mean "invalid" (negative,
// NaN, Inf) to nil.
func NormalizeSpeed(speed *float64) *float64 {
	if speed == nil {
		return nil
	}
	v := *speed
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil
	}
	return &v
}
