package parking

import (
	"time"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
)

// Reduce applies one sample to s at sample.Time. While a prompt is
// outstanding the sample is ignored.
func Reduce(p Policy, s State, sample gps.Sample) (State, []Effect) {
	if s.Awaiting {
		return s, nil
	}
	now := sample.Time
	motion := p.Thresholds.Classify(sample.Speed)

	var effects []Effect
	if s.ConfirmedParked && motion.Departing {
		s.ConfirmedParked = false
		s.PromptedThisStop = false
		if sample.Position != nil {
			effects = append(effects, Effect{Kind: EffectSpotOpening, Position: *sample.Position, At: now})
		} else {
			effects = append(effects, Effect{Kind: EffectDepartureUnlocated, At: now})
		}
	}

	if !motion.Stopped {
		s.ParkedSince = time.Time{}
		s.PromptedThisStop = false
		return s, effects
	}

	if s.ParkedSince.IsZero() {
		s.ParkedSince = now
		return s, effects
	}

	if s.PromptedThisStop || now.Before(s.CooldownUntil) {
		return s, effects
	}
	if now.Sub(s.ParkedSince) < p.StopDuration {
		return s, effects
	}
	// The prompt is anchored to where the user stopped; wait for a fix.
	if sample.Position == nil {
		return s, effects
	}

	s.Awaiting = true
	effects = append(effects, Effect{Kind: EffectRequestConfirmation, Position: *sample.Position, At: now})
	return s, effects
}

// Resolve applies the answer to the outstanding prompt at now. A timeout
// counts as yes: the user is assumed parked rather than re-asked.
func Resolve(p Policy, s State, outcome confirm.Outcome, now time.Time) State {
	s.Awaiting = false
	if outcome == confirm.OutcomeNo {
		if until := now.Add(p.DeclineCooldown); until.After(s.CooldownUntil) {
			s.CooldownUntil = until
		}
		s.ParkedSince = time.Time{}
		s.ConfirmedParked = false
		s.PromptedThisStop = false
		return s
	}
	s.ConfirmedParked = true
	s.PromptedThisStop = true
	return s
}
