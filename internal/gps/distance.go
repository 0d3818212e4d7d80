package gps

import (
	"github.com/golang/geo/s2"
)

const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance between two positions in meters.
func Distance(a, b Position) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// DeriveSpeed estimates speed in m/s from two positioned samples. It
// reports false when either sample lacks a position or cur is not after prev.
func DeriveSpeed(prev, cur Sample) (float64, bool) {
	if prev.Position == nil || cur.Position == nil {
		return 0, false
	}
	dt := cur.Time.Sub(prev.Time)
	if dt <= 0 {
		return 0, false
	}
	return Distance(*prev.Position, *cur.Position) / dt.Seconds(), true
}
