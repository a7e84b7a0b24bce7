package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"media-pipeline/internal/config"
	"media-pipeline/internal/consumer"
	"media-pipeline/internal/jobstate"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// Ledger is the job ledger plus the artifact index lookups the API serves.
type Ledger interface {
	store.Ledger
	GetArtifact(ctx context.Context, jobID string) (models.Artifact, bool, error)
}

// PassRunner triggers consumer passes.
type PassRunner interface {
	RunPass(ctx context.Context, budget consumer.Budget) (models.PassSummary, error)
	Drain(ctx context.Context, budget consumer.Budget) (models.PassSummary, error)
}

// Server wires HTTP handlers for producers, the scheduler trigger and
// operators.
type Server struct {
	cfg     config.Config
	ledger  Ledger
	queue   queue.Store
	passes  PassRunner
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, ledger Ledger, q queue.Store, passes PassRunner, limiter ratelimit.Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ledger:  ledger,
		queue:   q,
		passes:  passes,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/passes", s.handlePass)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleFindJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/artifact", s.handleGetArtifact)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/stats", s.handleStats)
	return r
}

// handlePass runs one pass, or passes until the queue is empty with
// mode=drain. Per-job failures are part of the summary; only an unreachable
// queue fails the request.
func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	budget := consumer.Budget{MaxMessages: s.cfg.PassMaxMessages, MaxWallClock: s.cfg.PassMaxWallClock}
	if v := q.Get("max_messages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "max_messages must be a positive integer")
			return
		}
		budget.MaxMessages = n
	}
	if v := q.Get("max_wall_clock"); v != "" {
		d, err := parseWallClock(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		budget.MaxWallClock = d
	}

	run := s.passes.RunPass
	switch q.Get("mode") {
	case "", "single":
	case "drain":
		run = s.passes.Drain
	default:
		httpError(w, http.StatusBadRequest, "mode must be single or drain")
		return
	}

	summary, err := run(r.Context(), budget)
	if err != nil {
		if errors.Is(err, models.ErrQueueUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, passResponse{PassSummary: summary, Error: err.Error()})
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, passResponse{PassSummary: summary})
}

type passResponse struct {
	models.PassSummary
	Error string `json:"error,omitempty"`
}

// parseWallClock accepts Go durations ("90s") or plain seconds ("90").
func parseWallClock(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("max_wall_clock must be a positive duration")
	}
	return d, nil
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	MessageID  string     `json:"messageId,omitempty"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var payload models.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := payload.Normalize(); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := clientFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), client)
		if err != nil {
			s.log.Error().Err(err).Str("client", client).Msg("rate limiter unavailable")
			httpError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			httpError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, created, err := s.ledger.Resolve(r.Context(), payload.Spec())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created && job.State != models.StateQueued {
		writeJSON(w, http.StatusOK, enqueueResponse{Job: job, Idempotent: true})
		return
	}

	// A queued duplicate may have lost its message to a crash or a failed
	// enqueue, so it is queued again. Consumers settle extra messages
	// against the same job.
	body, err := json.Marshal(payload)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	id, err := s.queue.Enqueue(r.Context(), body)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Bool("created", created).Msg("enqueue failed")
		if created {
			s.failUnqueued(r.Context(), job, err)
		}
		code := http.StatusInternalServerError
		if errors.Is(err, models.ErrQueueUnavailable) {
			code = http.StatusServiceUnavailable
		}
		httpError(w, code, "enqueue failed")
		return
	}
	event := "enqueued"
	if !created {
		event = "requeued"
	}
	_ = s.ledger.AppendAudit(r.Context(), job.ID, event, fmt.Sprintf("client=%s message=%s", client, id))
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, MessageID: id, Idempotent: !created})
}

// failUnqueued fails a new job whose message never reached the queue. If the
// ledger refuses, the job stays queued and a resubmission queues it again.
func (s *Server) failUnqueued(ctx context.Context, job models.Job, cause error) {
	next, _, err := jobstate.Transition(job.State, jobstate.EventFail)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("transition rejected")
		return
	}
	reason := "enqueue failed: " + cause.Error()
	_, err = s.ledger.CompareAndSwap(context.WithoutCancel(ctx), job.ID,
		store.Expect{State: job.State, ClaimToken: job.ClaimToken},
		store.Change{State: next, LastError: &reason})
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("could not fail unqueued job; it stays queued until resubmitted")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFindJob(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		httpError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}
	job, found, err := s.ledger.FindByIdempotencyKey(r.Context(), key)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		httpError(w, http.StatusNotFound, models.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, found, err := s.ledger.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		httpError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, art)
}

type dlqItem struct {
	ID         string          `json:"id"`
	ReadCount  int             `json:"readCount"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// handleDLQ lists archived dead-lettered messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	items := make([]dlqItem, 0, len(msgs))
	for _, m := range msgs {
		payload := json.RawMessage(m.Payload)
		if !json.Valid(m.Payload) {
			payload, _ = json.Marshal(string(m.Payload))
		}
		items = append(items, dlqItem{ID: m.ID, ReadCount: m.ReadCount, EnqueuedAt: m.EnqueuedAt, Payload: payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type statsResponse struct {
	QueueDepth int64                     `json:"queueDepth"`
	Jobs       map[models.JobState]int64 `json:"jobs,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	resp := statsResponse{QueueDepth: depth}
	if counter, ok := s.ledger.(store.StateCounter); ok {
		if resp.Jobs, err = counter.CountByState(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
