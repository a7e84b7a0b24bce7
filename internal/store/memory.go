package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-pipeline/internal/models"
)

// Memory is an in-process Ledger and artifact index for single-process runs
// and tests. Callers always receive copies.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	byKey     map[string]string
	artifacts map[string]models.Artifact
	audit     []models.AuditLog
	now       func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.Job),
		byKey:     make(map[string]string),
		artifacts: make(map[string]models.Artifact),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Resolve(_ context.Context, spec models.JobSpec) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[spec.IdempotencyKey]; ok {
		return cloneJob(m.jobs[id]), false, nil
	}
	now := m.now()
	job := &models.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: spec.IdempotencyKey,
		Mode:           spec.Mode,
		Capability:     spec.Capability,
		Inputs:         spec.Inputs,
		State:          models.StateQueued,
		Attempts:       []models.ProviderAttempt{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	m.byKey[spec.IdempotencyKey] = job.ID
	return cloneJob(job), true, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(m.jobs[id]), true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, id string, expect Expect, change Change) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if job.State != expect.State || job.ClaimToken != expect.ClaimToken {
		return models.Job{}, fmt.Errorf("%w: job %s is no longer %s", models.ErrStaleClaim, id, expect.State)
	}
	job.State = change.State
	job.ClaimToken = change.ClaimToken
	job.Attempts = append(job.Attempts, change.Attempts...)
	job.ChainRuns = change.ChainRuns
	if change.Result != nil {
		v := *change.Result
		job.Result = &v
	}
	if change.LastError != nil {
		v := *change.LastError
		job.LastError = &v
	}
	job.UpdatedAt = m.now()
	return cloneJob(job), nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

// Audit returns the audit rows recorded for a job.
func (m *Memory) Audit(jobID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) GetArtifact(_ context.Context, jobID string) (models.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[jobID]
	return a, ok, nil
}

func (m *Memory) InsertArtifact(_ context.Context, a models.Artifact) (models.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.artifacts[a.JobID]; ok {
		return existing, false, nil
	}
	m.artifacts[a.JobID] = a
	return a, true, nil
}

func (m *Memory) CountByState(_ context.Context) (map[models.JobState]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.JobState]int64)
	for _, j := range m.jobs {
		out[j.State]++
	}
	return out, nil
}

// Jobs returns a snapshot of every job.
func (m *Memory) Jobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	return out
}

func cloneJob(j *models.Job) models.Job {
	cp := *j
	cp.Attempts = append([]models.ProviderAttempt{}, j.Attempts...)
	if j.Result != nil {
		v := *j.Result
		cp.Result = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		cp.LastError = &v
	}
	return cp
}
