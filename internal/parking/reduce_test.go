package parking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
)

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func sample(sec, speed float64) gps.Sample {
	return gps.Sample{Speed: gps.Speed(speed), Position: &gps.Position{Lat: 37, Lon: -122}, Time: at(sec)}
}

// replay feeds samples through Reduce, answering any prompt immediately
// with the next outcome in answers.
func replay(t *testing.T, p Policy, s State, samples []gps.Sample, answers ...confirm.Outcome) (State, []Effect) {
	t.Helper()
	var all []Effect
	for _, smp := range samples {
		next, effects := Reduce(p, s, smp)
		s = next
		for _, e := range effects {
			all = append(all, e)
			if e.Kind == EffectRequestConfirmation {
				require.NotEmpty(t, answers, "unexpected prompt at %s", e.At.Sub(base))
				s = Resolve(p, s, answers[0], e.At)
				answers = answers[1:]
			}
		}
	}
	return s, all
}

func countKind(effects []Effect, kind EffectKind) int {
	n := 0
	for _, e := range effects {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestShortStopNeverPrompts(t *testing.T) {
	p := DefaultPolicy()
	samples := []gps.Sample{
		sample(0, 0), sample(20, 0), sample(40, 0), sample(59.9, 0),
		sample(65, 2.0),
		sample(70, 0), sample(100, 0), sample(129, 0),
		sample(130, 1.0),
	}
	_, effects := replay(t, p, State{}, samples)
	assert.Empty(t, effects)
}

func TestScenarioA_PromptAfterOneMinute(t *testing.T) {
	p := DefaultPolicy()
	s, effects := Reduce(p, State{}, sample(0, 0))
	assert.Empty(t, effects)
	assert.Equal(t, at(0), s.ParkedSince)

	s, effects = Reduce(p, s, sample(59, 0))
	assert.Empty(t, effects, "no prompt before 60s")

	s, effects = Reduce(p, s, sample(61, 0))
	require.Len(t, effects, 1)
	assert.Equal(t, EffectRequestConfirmation, effects[0].Kind)
	assert.Equal(t, at(61), effects[0].At)
	assert.True(t, s.Awaiting)
}

func TestThresholdUsesElapsedTimeNotSampleCount(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Reduce(p, State{}, sample(0, 0))
	_, effects := Reduce(p, s, sample(61, 0))
	require.Len(t, effects, 1)
	assert.Equal(t, EffectRequestConfirmation, effects[0].Kind)
}

func TestExactlyOnePromptPerStop(t *testing.T) {
	p := DefaultPolicy()
	var samples []gps.Sample
	for sec := 0.0; sec <= 600; sec += 5 {
		samples = append(samples, sample(sec, 0))
	}
	s, effects := replay(t, p, State{}, samples, confirm.OutcomeYes)
	assert.Equal(t, 1, countKind(effects, EffectRequestConfirmation))
	assert.True(t, s.ConfirmedParked)
	assert.True(t, s.PromptedThisStop)
}

func TestOutstandingPromptIgnoresSamples(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Reduce(p, State{}, sample(0, 0))
	s, effects := Reduce(p, s, sample(60, 0))
	require.Len(t, effects, 1)

	for _, smp := range []gps.Sample{sample(65, 0), sample(70, 12), sample(75, 0)} {
		next, effects := Reduce(p, s, smp)
		assert.Empty(t, effects)
		assert.Equal(t, s, next)
	}
}

func TestScenarioB_DeclineCooldown(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Reduce(p, State{}, sample(0, 0))
	s, effects := Reduce(p, s, sample(60, 0))
	require.Len(t, effects, 1)

	// Declined 5s after the prompt.
	declinedAt := at(65)
	s = Resolve(p, s, confirm.OutcomeNo, declinedAt)
	assert.Equal(t, declinedAt.Add(3*time.Minute), s.CooldownUntil)
	assert.True(t, s.ParkedSince.IsZero())
	assert.False(t, s.ConfirmedParked)
	assert.Equal(t, PhaseCooldown, s.Phase(at(66)))

	// Still stopped through the cooldown: no prompt.
	var samples []gps.Sample
	for sec := 66.0; sec < 245; sec += 5 {
		samples = append(samples, sample(sec, 0))
	}
	s, effects = replay(t, p, s, samples)
	assert.Empty(t, effects)

	// Cooldown over and a fresh minute stopped: prompt again.
	s, effects = replay(t, p, s, []gps.Sample{sample(245, 0), sample(250, 0)}, confirm.OutcomeYes)
	assert.Equal(t, 1, countKind(effects, EffectRequestConfirmation))
	assert.True(t, s.ConfirmedParked)
}

func TestDeclineRestartsStopTimer(t *testing.T) {
	p := DefaultPolicy()
	p.DeclineCooldown = 0
	s, _ := Reduce(p, State{}, sample(0, 0))
	s, _ = Reduce(p, s, sample(60, 0))
	s = Resolve(p, s, confirm.OutcomeNo, at(61))

	s, effects := Reduce(p, s, sample(62, 0))
	assert.Empty(t, effects)
	assert.Equal(t, at(62), s.ParkedSince)

	_, effects = Reduce(p, s, sample(121, 0))
	assert.Empty(t, effects, "no credit for time stopped before the decline")
	_, effects = Reduce(p, s, sample(122, 0))
	assert.Len(t, effects, 1)
}

func TestCooldownNeverMovesBackward(t *testing.T) {
	p := DefaultPolicy()
	s := State{CooldownUntil: at(1000), Awaiting: true}
	s = Resolve(p, s, confirm.OutcomeNo, at(0))
	assert.Equal(t, at(1000), s.CooldownUntil)
}

func TestScenarioC_TimeoutCountsAsParked(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Reduce(p, State{}, sample(0, 0))
	s, _ = Reduce(p, s, sample(60, 0))
	s = Resolve(p, s, confirm.OutcomeTimeout, at(90))

	assert.True(t, s.ConfirmedParked)
	assert.True(t, s.PromptedThisStop)
	assert.False(t, s.Awaiting)
	assert.Equal(t, PhaseConfirmedParked, s.Phase(at(91)))
}

func TestScenarioD_DepartureEmitsSpotOpening(t *testing.T) {
	p := DefaultPolicy()
	s := State{ConfirmedParked: true, PromptedThisStop: true, ParkedSince: at(0)}
	departing := gps.Sample{Speed: gps.Speed(5.0), Position: &gps.Position{Lat: 12.34, Lon: 56.78}, Time: at(300)}

	s, effects := Reduce(p, s, departing)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectSpotOpening, effects[0].Kind)
	assert.Equal(t, gps.Position{Lat: 12.34, Lon: 56.78}, effects[0].Position)
	assert.False(t, s.ConfirmedParked)
	assert.False(t, s.PromptedThisStop)
	assert.True(t, s.ParkedSince.IsZero())

	// A second fast sample does not announce again.
	_, effects = Reduce(p, s, departing)
	assert.Empty(t, effects)
}

func TestDepartureWithoutPositionStillClears(t *testing.T) {
	p := DefaultPolicy()
	s := State{ConfirmedParked: true, PromptedThisStop: true}
	s, effects := Reduce(p, s, gps.Sample{Speed: gps.Speed(6), Time: at(10)})
	require.Len(t, effects, 1)
	assert.Equal(t, EffectDepartureUnlocated, effects[0].Kind)
	assert.False(t, s.ConfirmedParked)
}

func TestSlowMovementDoesNotDepart(t *testing.T) {
	p := DefaultPolicy()
	s := State{ConfirmedParked: true, PromptedThisStop: true}
	s, effects := Reduce(p, s, sample(10, 3.0))
	assert.Empty(t, effects)
	assert.True(t, s.ConfirmedParked)
	assert.False(t, s.PromptedThisStop)
	assert.True(t, s.ParkedSince.IsZero())
}

func TestUnknownSpeedResetsStopButNeverDeparts(t *testing.T) {
	p := DefaultPolicy()
	s := State{ConfirmedParked: true, ParkedSince: at(0)}
	s, effects := Reduce(p, s, gps.Sample{Position: &gps.Position{Lat: 1, Lon: 1}, Time: at(30)})
	assert.Empty(t, effects)
	assert.True(t, s.ConfirmedParked)
	assert.True(t, s.ParkedSince.IsZero())
}

func TestPromptWaitsForPosition(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Reduce(p, State{}, sample(0, 0))
	s, effects := Reduce(p, s, gps.Sample{Speed: gps.Speed(0), Time: at(70)})
	assert.Empty(t, effects)
	assert.False(t, s.Awaiting)

	_, effects = Reduce(p, s, sample(72, 0))
	require.Len(t, effects, 1)
	assert.Equal(t, EffectRequestConfirmation, effects[0].Kind)
}

func TestFullCycleRearms(t *testing.T) {
	p := DefaultPolicy()
	samples := []gps.Sample{
		sample(0, 0), sample(60, 0), sample(90, 0),
		{Speed: gps.Speed(8), Position: &gps.Position{Lat: 12.34, Lon: 56.78}, Time: at(120)},
		sample(200, 0), sample(261, 0),
		{Speed: gps.Speed(9), Position: &gps.Position{Lat: 1, Lon: 2}, Time: at(300)},
	}
	s, effects := replay(t, p, State{}, samples, confirm.OutcomeYes, confirm.OutcomeTimeout)
	assert.Equal(t, 2, countKind(effects, EffectRequestConfirmation))
	assert.Equal(t, 2, countKind(effects, EffectSpotOpening))
	assert.False(t, s.ConfirmedParked)
	assert.Equal(t, PhaseMoving, s.Phase(at(301)))
}

func TestPhase(t *testing.T) {
	now := at(100)
	assert.Equal(t, PhaseMoving, State{}.Phase(now))
	assert.Equal(t, PhaseAccumulating, State{ParkedSince: at(90)}.Phase(now))
	assert.Equal(t, PhaseAwaitingConfirmation, State{ParkedSince: at(0), Awaiting: true}.Phase(now))
	assert.Equal(t, PhaseConfirmedParked, State{ConfirmedParked: true}.Phase(now))
	assert.Equal(t, PhaseCooldown, State{CooldownUntil: at(200), ParkedSince: at(95)}.Phase(now))
}
