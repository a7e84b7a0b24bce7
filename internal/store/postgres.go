package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs, artifacts and audit rows.
type Store struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, idempotency_key, mode, capability, inputs, state, attempts, chain_runs, claim_token, result_ref, last_error, created_at, updated_at`

// Resolve inserts a queued job for the key or returns the one already there.
// ON CONFLICT DO NOTHING makes the insert the check-and-set; a losing
// concurrent caller falls through to the read.
func (s *Store) Resolve(ctx context.Context, spec models.JobSpec) (models.Job, bool, error) {
	inputs, err := json.Marshal(spec.Inputs)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal inputs: %w", err)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, idempotency_key, mode, capability, inputs, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		uuid.NewString(), spec.IdempotencyKey, string(spec.Mode), string(spec.Capability), string(inputs), string(models.StateQueued), now)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	existing, found, err := s.FindByIdempotencyKey(ctx, spec.IdempotencyKey)
	if err != nil {
		return models.Job{}, false, err
	}
	if !found {
		return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
	}
	return existing, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CompareAndSwap updates the job only while (state, claim_token) still match.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expect Expect, change Change) (models.Job, error) {
	attempts := change.Attempts
	if attempts == nil {
		attempts = []models.ProviderAttempt{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal attempts: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE generation_jobs
		SET state = $4,
		    claim_token = $5,
		    attempts = attempts || $6::jsonb,
		    chain_runs = $7,
		    result_ref = COALESCE($8, result_ref),
		    last_error = COALESCE($9, last_error),
		    updated_at = NOW()
		WHERE id = $1 AND state = $2 AND claim_token = $3
		RETURNING `+jobColumns,
		id, string(expect.State), expect.ClaimToken,
		string(change.State), change.ClaimToken, string(attemptsJSON), change.ChainRuns, change.Result, change.LastError)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return models.Job{}, err
	}
	return models.Job{}, fmt.Errorf("%w: job %s is no longer %s", models.ErrStaleClaim, id, expect.State)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// GetArtifact returns the artifact stored for a job.
func (s *Store) GetArtifact(ctx context.Context, jobID string) (models.Artifact, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, media_type, storage_ref, size_bytes, preview_ref, created_at
		FROM artifacts WHERE job_id = $1
	`, jobID)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, false, nil
	}
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("scan artifact: %w", err)
	}
	return a, true, nil
}

// InsertArtifact records an artifact unless the job already has one, in
// which case the stored row is returned with inserted=false.
func (s *Store) InsertArtifact(ctx context.Context, a models.Artifact) (models.Artifact, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (job_id, media_type, storage_ref, size_bytes, preview_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING job_id, media_type, storage_ref, size_bytes, preview_ref, created_at
	`, a.JobID, a.MediaType, a.StorageRef, a.SizeBytes, emptyToNil(a.PreviewRef), a.CreatedAt)
	inserted, err := scanArtifact(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	existing, found, err := s.GetArtifact(ctx, a.JobID)
	if err != nil {
		return models.Artifact{}, false, err
	}
	if !found {
		return models.Artifact{}, false, errors.New("artifact conflict but no existing row found")
	}
	return existing, false, nil
}

// CountByState returns job counts per state.
func (s *Store) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM generation_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.JobState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[models.JobState(state)] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var mode, capability, state string
	var inputsJSON, attemptsJSON []byte
	var result, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.IdempotencyKey, &mode, &capability, &inputsJSON, &state, &attemptsJSON,
		&job.ChainRuns, &job.ClaimToken, &result, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Mode = models.Mode(mode)
	job.Capability = models.Capability(capability)
	job.State = models.JobState(state)
	if err := decodeJobJSON(inputsJSON, attemptsJSON, &job); err != nil {
		return models.Job{}, err
	}
	job.Result = textPtr(result)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func decodeJobJSON(inputsJSON, attemptsJSON []byte, job *models.Job) error {
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &job.Inputs); err != nil {
			return fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	job.Attempts = []models.ProviderAttempt{}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &job.Attempts); err != nil {
			return fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return nil
}

func scanArtifact(row pgx.Row) (models.Artifact, error) {
	var a models.Artifact
	var preview pgtype.Text
	if err := row.Scan(&a.JobID, &a.MediaType, &a.StorageRef, &a.SizeBytes, &preview, &a.CreatedAt); err != nil {
		return models.Artifact{}, err
	}
	if preview.Valid {
		a.PreviewRef = preview.String
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
