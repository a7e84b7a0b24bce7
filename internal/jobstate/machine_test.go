package jobstate

import (
	"errors"
	"testing"

	"media-pipeline/internal/models"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   models.JobState
		event  Event
		to     models.JobState
		effect Effect
	}{
		{models.StateQueued, EventClaim, models.StateProcessing, EffectNone},
		{models.StateProcessing, EventClaim, models.StateProcessing, EffectTakeover},
		{models.StateProcessing, EventSucceed, models.StateSucceeded, EffectAckAndNotify},
		{models.StateProcessing, EventRetry, models.StateProcessing, EffectRelease},
		{models.StateProcessing, EventFail, models.StateFailed, EffectAckAndNotify},
		{models.StateQueued, EventFail, models.StateFailed, EffectAckAndNotify},
	}
	for _, tc := range cases {
		to, effect, err := Transition(tc.from, tc.event)
		if err != nil {
			t.Fatalf("%s on %s: unexpected error %v", tc.event, tc.from, err)
		}
		if to != tc.to || effect != tc.effect {
			t.Fatalf("%s on %s = (%s, %s), want (%s, %s)", tc.event, tc.from, to, effect, tc.to, tc.effect)
		}
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []models.JobState{models.StateSucceeded, models.StateFailed} {
		for _, ev := range []Event{EventClaim, EventSucceed, EventRetry, EventFail} {
			to, effect, err := Transition(from, ev)
			if err == nil {
				t.Fatalf("%s on %s should be rejected", ev, from)
			}
			if !errors.Is(err, models.ErrInvariantViolation) {
				t.Fatalf("expected invariant violation, got %v", err)
			}
			var invalid *ErrInvalidTransition
			if !errors.As(err, &invalid) || invalid.From != from {
				t.Fatalf("expected ErrInvalidTransition from %s, got %v", from, err)
			}
			if to != from || effect != EffectNone {
				t.Fatalf("rejected transition must not move state: got (%s, %s)", to, effect)
			}
		}
	}
}

func TestQueuedCannotSucceedOrRetry(t *testing.T) {
	for _, ev := range []Event{EventSucceed, EventRetry} {
		if _, _, err := Transition(models.StateQueued, ev); err == nil {
			t.Fatalf("%s on queued should be rejected", ev)
		}
	}
}
