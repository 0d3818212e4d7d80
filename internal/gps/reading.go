package gps

import (
	"errors"
	"math"
)

var (
	ErrPartialPosition = errors.New("gps: latitude and longitude must be sent together")
	ErrPositionRange   = errors.New("gps: position out of range")
)

// Reading is a sample as devices send it. Any field may be omitted.
type Reading struct {
	Speed     *float64 `json:"speed"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Sample validates the reading. The returned sample has no Time; the
// receiver stamps arrival time.
func (r Reading) Sample() (Sample, error) {
	s := Sample{Speed: NormalizeSpeed(r.Speed)}
	switch {
	case r.Latitude == nil && r.Longitude == nil:
		return s, nil
	case r.Latitude == nil || r.Longitude == nil:
		return Sample{}, ErrPartialPosition
	}
	lat, lon := *r.Latitude, *r.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return Sample{}, ErrPositionRange
	}
	s.Position = &Position{Lat: lat, Lon: lon}
	return s, nil
}
