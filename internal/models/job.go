package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in the job ledger.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateSucceeded  JobState = "succeeded"
	StateFailed     JobState = "failed"
)

// Terminal reports whether no further transition may leave the state.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Mode is the kind of generation requested by the storyboard client.
type Mode string

const (
	ModeTextToImage  Mode = "text-to-image"
	ModeImageToImage Mode = "image-to-image"
	ModeTextToVideo  Mode = "text-to-video"
	ModeImageToVideo Mode = "image-to-video"
)

// Capability groups modes by the kind of media they produce.
type Capability string

const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

// Capability returns the capability a mode produces, or "" for unknown modes.
func (m Mode) Capability() Capability {
	switch m {
	case ModeTextToImage, ModeImageToImage:
		return CapabilityImage
	case ModeTextToVideo, ModeImageToVideo:
		return CapabilityVideo
	default:
		return ""
	}
}

// NeedsReference reports whether the mode is conditioned on an input image.
func (m Mode) NeedsReference() bool {
	return m == ModeImageToImage || m == ModeImageToVideo
}

// AttemptOutcome classifies one provider invocation.
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeTransientError AttemptOutcome = "transientError"
	OutcomePermanentError AttemptOutcome = "permanentError"
	OutcomeTimeout        AttemptOutcome = "timeout"
)

// ProviderAttempt records a single adapter invocation. Attempts are never
// edited once appended to a job.
type ProviderAttempt struct {
	Model       string         `json:"model"`
	StartedAt   time.Time      `json:"startedAt"`
	DurationMs  int64          `json:"durationMs"`
	Outcome     AttemptOutcome `json:"outcome"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
	// Run is the 1-based chain run the attempt belongs to.
	Run         int            `json:"run,omitempty"`
}

// JobInputs carries what the providers need to render the request.
type JobInputs struct {
	Prompt             string `json:"prompt"`
	ReferenceMediaRef  string `json:"referenceMediaRef,omitempty"`
	SceneID            string `json:"sceneId,omitempty"`
	CharacterID        string `json:"characterId,omitempty"`
	RequestedModelHint string `json:"requestedModelHint,omitempty"`
}

// Job is the durable logical unit of work, one per idempotency key.
type Job struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Mode           Mode              `json:"mode"`
	Capability     Capability        `json:"capability"`
	Inputs         JobInputs         `json:"inputs"`
	State          JobState          `json:"state"`
	Attempts       []ProviderAttempt `json:"attempts"`
	ChainRuns      int               `json:"chainRuns"`
	ClaimToken     string            `json:"-"`
	Result         *string           `json:"result,omitempty"`
	LastError      *string           `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// JobSpec is what a ledger needs to create a job for an idempotency key.
type JobSpec struct {
	IdempotencyKey string
	Mode           Mode
	Capability     Capability
	Inputs         JobInputs
}

// Artifact is a stored generation output. Jobs reference it by StorageRef.
type Artifact struct {
	JobID      string    `json:"jobId"`
	MediaType  string    `json:"mediaType"`
	StorageRef string    `json:"storageRef"`
	SizeBytes  int64     `json:"sizeBytes"`
	PreviewRef string    `json:"previewRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
