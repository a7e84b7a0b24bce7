package store

import (
	"context"

	"media-pipeline/internal/models"
)

// Ledger is the single source of truth for generation jobs. Every state
// change goes through CompareAndSwap; nothing writes job fields directly.
type Ledger interface {
	// Resolve returns the job for spec.IdempotencyKey, creating it in the
	// queued state if absent. The boolean reports whether it was created.
	// Creation is one atomic check-and-set.
	Resolve(ctx context.Context, spec models.JobSpec) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	// CompareAndSwap applies change only if the job still matches expect.
	// It returns models.ErrStaleClaim when it does not.
	CompareAndSwap(ctx context.Context, id string, expect Expect, change Change) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Expect is the (state, claim token) pair a swap is conditioned on.
type Expect struct {
	State      models.JobState
	ClaimToken string
}

// Change describes the new values of a swap. Attempts are appended; a nil
// Result or LastError keeps the stored value.
type Change struct {
	State      models.JobState
	ClaimToken string
	Attempts   []models.ProviderAttempt
	ChainRuns  int
	Result     *string
	LastError  *string
}

// StateCounter reports how many jobs sit in each state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[models.JobState]int64, error)
}
