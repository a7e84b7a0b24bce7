// Package jobstate holds the generation job lifecycle as a pure transition
// function. Persistence applies the result through compare-and-set; nothing
// here touches storage.
package jobstate

import (
	"fmt"

	"media-pipeline/internal/models"
)

// Event is something that happened to a job while a consumer handled it.
type Event string

const (
	EventClaim   Event = "claim"
	EventSucceed Event = "succeed"
	EventRetry   Event = "retry"
	EventFail    Event = "fail"
)

// Effect is the side effect the consumer must perform after a transition is
// persisted.
type Effect int

const (
	EffectNone Effect = iota
	// EffectTakeover: the job was already processing under another lease
	// (expired or released for retry) and now belongs to the caller.
	EffectTakeover
	// EffectRelease: make the queue message visible again after a backoff.
	EffectRelease
	// EffectAckAndNotify: remove the message and publish the completion event.
	EffectAckAndNotify
)

func (e Effect) String() string {
	switch e {
	case EffectTakeover:
		return "takeover"
	case EffectRelease:
		return "release"
	case EffectAckAndNotify:
		return "ack_notify"
	default:
		return "none"
	}
}

// ErrInvalidTransition is returned for transitions the lifecycle forbids.
// It wraps models.ErrInvariantViolation.
type ErrInvalidTransition struct {
	From  models.JobState
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.Event, e.From)
}

func (e *ErrInvalidTransition) Unwrap() error {
	return models.ErrInvariantViolation
}

type key struct {
	from  models.JobState
	event Event
}

type outcome struct {
	to     models.JobState
	effect Effect
}

var table = map[key]outcome{
	{models.StateQueued, EventClaim}:       {models.StateProcessing, EffectNone},
	{models.StateProcessing, EventClaim}:   {models.StateProcessing, EffectTakeover},
	{models.StateProcessing, EventSucceed}: {models.StateSucceeded, EffectAckAndNotify},
	{models.StateProcessing, EventRetry}:   {models.StateProcessing, EffectRelease},
	{models.StateProcessing, EventFail}:    {models.StateFailed, EffectAckAndNotify},
	{models.StateQueued, EventFail}:        {models.StateFailed, EffectAckAndNotify},
}

// Transition returns the state that follows current on event, and the side
// effect the caller owes once the new state is stored. Terminal states accept
// no event.
func Transition(current models.JobState, event Event) (models.JobState, Effect, error) {
	out, ok := table[key{current, event}]
	if !ok {
		return current, EffectNone, &ErrInvalidTransition{From: current, Event: event}
	}
	return out.to, out.effect, nil
}
