// Package parking infers from a stream of speed samples when a user has
// parked, confirms it with them, and reports the spot when they drive off.
//
// The transitions live in Reduce and Resolve, which are pure. Detector runs
// them serially over a live sample source and owns the one asynchronous
// step, waiting for the user's answer.
package parking

import (
	"time"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
)

// Policy holds the detection thresholds and timings.
type Policy struct {
	Thresholds      gps.Thresholds
	StopDuration    time.Duration
	ConfirmTimeout  time.Duration
	DeclineCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds:      gps.DefaultThresholds(),
		StopDuration:    time.Minute,
		ConfirmTimeout:  confirm.DefaultTimeout,
		DeclineCooldown: 3 * time.Minute,
	}
}

// State is everything the detector remembers between samples.
type State struct {
	// ParkedSince is when the current run of stopped samples began; zero
	// when the last sample was not stopped.
	ParkedSince time.Time
	// PromptedThisStop suppresses further prompts until the user moves.
	PromptedThisStop bool
	// CooldownUntil is the earliest time a prompt may follow a decline.
	CooldownUntil time.Time
	// ConfirmedParked gates departure detection.
	ConfirmedParked bool
	// Awaiting is true while a prompt is outstanding.
	Awaiting bool
}

type Phase string

const (
	PhaseMoving               Phase = "moving"
	PhaseAccumulating         Phase = "accumulating"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseConfirmedParked      Phase = "confirmed_parked"
	PhaseCooldown             Phase = "cooldown"
)

func (s State) Phase(now time.Time) Phase {
	switch {
	case s.Awaiting:
		return PhaseAwaitingConfirmation
	case s.ConfirmedParked:
		return PhaseConfirmedParked
	case now.Before(s.CooldownUntil):
		return PhaseCooldown
	case !s.ParkedSince.IsZero():
		return PhaseAccumulating
	default:
		return PhaseMoving
	}
}

type EffectKind int

const (
	// EffectRequestConfirmation asks the user whether they parked at Position.
	EffectRequestConfirmation EffectKind = iota + 1
	// EffectSpotOpening announces the spot at Position is free.
	EffectSpotOpening
	// EffectDepartureUnlocated marks a departure whose sample had no
	// position; the spot could not be announced.
	EffectDepartureUnlocated
)

func (k EffectKind) String() string {
	switch k {
	case EffectRequestConfirmation:
		return "request_confirmation"
	case EffectSpotOpening:
		return "spot_opening"
	case EffectDepartureUnlocated:
		return "departure_unlocated"
	}
	return "unknown"
}

type Effect struct {
	Kind     EffectKind
	Position gps.Position
	At       time.Time
}
