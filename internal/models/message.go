package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueueMessage is the wire-level unit of work owned by the queue store.
// Consumers only change it through claim, ack and release.
type QueueMessage struct {
	ID         string    `json:"id"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ReadCount  int       `json:"read_count"`
	VisibleAt  time.Time `json:"visible_at"`
}

// Payload is the generation request carried inside a queue message.
type Payload struct {
	IdempotencyKey     string     `json:"idempotencyKey"`
	Mode               Mode       `json:"mode"`
	Capability         Capability `json:"capability"`
	SceneID            string     `json:"sceneId"`
	CharacterID        string     `json:"characterId,omitempty"`
	Prompt             string     `json:"prompt"`
	ReferenceMediaRef  string     `json:"referenceMediaRef,omitempty"`
	RequestedModelHint string     `json:"requestedModelHint,omitempty"`
}

// DecodePayload parses and validates a message payload.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Normalize(); err != nil {
		return p, err
	}
	return p, nil
}

// Normalize trims fields, derives the capability from the mode and rejects
// payloads no provider could serve.
func (p *Payload) Normalize() error {
	p.IdempotencyKey = strings.TrimSpace(p.IdempotencyKey)
	p.Prompt = strings.TrimSpace(p.Prompt)
	p.ReferenceMediaRef = strings.TrimSpace(p.ReferenceMediaRef)
	p.RequestedModelHint = strings.TrimSpace(p.RequestedModelHint)

	if p.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotencyKey is required", ErrInvalidPayload)
	}
	derived := p.Mode.Capability()
	if derived == "" {
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidPayload, p.Mode)
	}
	if p.Capability == "" {
		p.Capability = derived
	}
	if p.Capability != derived {
		return fmt.Errorf("%w: mode %q does not produce capability %q", ErrInvalidPayload, p.Mode, p.Capability)
	}
	if p.Mode.NeedsReference() && p.ReferenceMediaRef == "" {
		return fmt.Errorf("%w: mode %q requires referenceMediaRef", ErrInvalidPayload, p.Mode)
	}
	return nil
}

// Spec converts the payload into the ledger's job specification.
func (p Payload) Spec() JobSpec {
	return JobSpec{
		IdempotencyKey: p.IdempotencyKey,
		Mode:           p.Mode,
		Capability:     p.Capability,
		Inputs: JobInputs{
			Prompt:             p.Prompt,
			ReferenceMediaRef:  p.ReferenceMediaRef,
			SceneID:            p.SceneID,
			CharacterID:        p.CharacterID,
			RequestedModelHint: p.RequestedModelHint,
		},
	}
}

// CompletionOutcome is the terminal result announced to event consumers.
type CompletionOutcome string

const (
	CompletionSucceeded CompletionOutcome = "succeeded"
	CompletionFailed    CompletionOutcome = "failed"
)

// CompletionEvent is published once a job reaches a terminal state.
type CompletionEvent struct {
	JobID          string            `json:"jobId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Outcome        CompletionOutcome `json:"outcome"`
	ArtifactRef    string            `json:"artifactRef,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// PassSummary reports what one consumer invocation did.
type PassSummary struct {
	Processed        int `json:"processed"`
	Succeeded        int `json:"succeeded"`
	Failed           int `json:"failed"`
	SkippedDuplicate int `json:"skippedDuplicate"`
	Retried          int `json:"retried"`
	Deferred         int `json:"deferred"`
	Abandoned        int `json:"abandoned"`
	DeadLettered     int `json:"deadLettered"`
	Passes           int `json:"passes"`
}

// Add accumulates another summary into s.
func (s *PassSummary) Add(o PassSummary) {
	s.Processed += o.Processed
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.SkippedDuplicate += o.SkippedDuplicate
	s.Retried += o.Retried
	s.Deferred += o.Deferred
	s.Abandoned += o.Abandoned
	s.DeadLettered += o.DeadLettered
	s.Passes += o.Passes
}
