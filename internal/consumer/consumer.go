package consumer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"media-pipeline/internal/config"
	"media-pipeline/internal/fallback"
	"media-pipeline/internal/jobstate"
	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// ExhaustedReason is the failure reason of a job that ran out of chain runs.
const ExhaustedReason = "fallback chain exhausted"

// Budget bounds a single pass.
type Budget struct {
	MaxMessages  int
	MaxWallClock time.Duration
}

// Runner is the fallback chain as seen by the consumer.
type Runner interface {
	Attempt(ctx context.Context, job models.Job) fallback.Result
}

// ArtifactSaver persists a successful output idempotently per job.
type ArtifactSaver interface {
	Save(ctx context.Context, job models.Job, data []byte, mediaType string) (models.Artifact, error)
}

type Options struct {
	Lease           time.Duration
	MaxChainRuns    int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Concurrency     int
	ClaimBatch      int
	NotifyTimeout   time.Duration
	DeadLetterBatch int
	// FinalizeTimeout bounds ledger, storage and queue writes made after the
	// chain returns. They run even when the pass deadline has passed.
	FinalizeTimeout time.Duration
	// AttemptTimeout is the longest per-attempt provider timeout. A pass
	// stops claiming once less than this is left on its clock.
	AttemptTimeout time.Duration
}

// OptionsFromConfig maps service configuration onto consumer options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Lease:          cfg.LeaseDuration,
		MaxChainRuns:   cfg.MaxChainRuns,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Concurrency:    cfg.PassConcurrency,
		ClaimBatch:     cfg.ClaimBatchSize,
		NotifyTimeout:  cfg.NotifyTimeout,
		AttemptTimeout: max(cfg.ImageAttemptTimeout, cfg.VideoAttemptTimeout),
	}
}

// Consumer drains generation messages from the queue through the fallback
// chain into the ledger. Any number of consumers may run concurrently; the
// queue lease and the ledger compare-and-set are the only coordination.
type Consumer struct {
	queue     queue.Store
	ledger    store.Ledger
	chain     Runner
	artifacts ArtifactSaver
	notifier  notify.Notifier
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
	backoff   func(chainRuns int) time.Duration
}

func New(q queue.Store, ledger store.Ledger, chain Runner, artifacts ArtifactSaver, notifier notify.Notifier, opts Options, log zerolog.Logger) *Consumer {
	if opts.Lease <= 0 {
		opts.Lease = 150 * time.Second
	}
	if opts.MaxChainRuns <= 0 {
		opts.MaxChainRuns = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = opts.Concurrency
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 2 * time.Second
	}
	if opts.DeadLetterBatch <= 0 {
		opts.DeadLetterBatch = 50
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	c := &Consumer{
		queue:     q,
		ledger:    ledger,
		chain:     chain,
		artifacts: artifacts,
		notifier:  notifier,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
	c.backoff = func(runs int) time.Duration {
		return backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, runs)
	}
	return c
}

type tally struct {
	mu sync.Mutex
	s  models.PassSummary
}

func (t *tally) add(f func(s *models.PassSummary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(&t.s)
}

func (t *tally) snapshot() models.PassSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

// RunPass claims and processes up to budget.MaxMessages messages within
// budget.MaxWallClock. Per-job failures are recorded in the summary; only
// queue unavailability is returned as an error.
func (c *Consumer) RunPass(ctx context.Context, budget Budget) (models.PassSummary, error) {
	started := c.now()
	defer func() { telemetry.PassDuration.Observe(c.now().Sub(started).Seconds()) }()

	passCtx, cancel := ctx, context.CancelFunc(func() {})
	if budget.MaxWallClock > 0 {
		passCtx, cancel = context.WithDeadline(ctx, started.Add(budget.MaxWallClock))
	}
	defer cancel()

	t := &tally{s: models.PassSummary{Passes: 1}}
	if err := c.reconcileDeadLetters(passCtx, t); err != nil {
		return t.snapshot(), err
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)

	var passErr error
	claimed := 0
	for budget.MaxMessages <= 0 || claimed < budget.MaxMessages {
		if passCtx.Err() != nil || !c.roomForAttempt(passCtx) {
			break
		}
		n := c.opts.ClaimBatch
		if budget.MaxMessages > 0 && budget.MaxMessages-claimed < n {
			n = budget.MaxMessages - claimed
		}
		msgs, err := c.queue.ClaimBatch(passCtx, n, c.opts.Lease)
		if err != nil {
			if errors.Is(err, models.ErrQueueUnavailable) {
				c.log.Error().Err(err).Msg("queue unavailable; aborting pass")
				passErr = err
			}
			break
		}
		if len(msgs) == 0 {
			break
		}
		claimed += len(msgs)
		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				c.handle(passCtx, msg, t)
				return nil
			})
		}
	}
	_ = g.Wait()

	summary := t.snapshot()
	c.log.Info().
		Int("claimed", claimed).
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped_duplicate", summary.SkippedDuplicate).
		Int("retried", summary.Retried).
		Int("deferred", summary.Deferred).
		Int("abandoned", summary.Abandoned).
		Int("dead_lettered", summary.DeadLettered).
		Dur("elapsed", c.now().Sub(started)).
		Msg("pass finished")
	return summary, passErr
}

// roomForAttempt reports whether a message claimed now could still get one
// full provider attempt before the pass ends.
func (c *Consumer) roomForAttempt(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok || c.opts.AttemptTimeout <= 0 {
		return true
	}
	return deadline.Sub(c.now()) >= c.opts.AttemptTimeout
}

// Drain runs passes until one finds no work or the wall clock is spent.
func (c *Consumer) Drain(ctx context.Context, budget Budget) (models.PassSummary, error) {
	started := c.now()
	var total models.PassSummary
	for {
		b := budget
		if budget.MaxWallClock > 0 {
			b.MaxWallClock = budget.MaxWallClock - c.now().Sub(started)
			if b.MaxWallClock <= 0 {
				return total, nil
			}
		}
		s, err := c.RunPass(ctx, b)
		total.Add(s)
		if err != nil {
			return total, err
		}
		if s.Processed+s.DeadLettered == 0 || ctx.Err() != nil {
			return total, nil
		}
	}
}

// Run drains the queue on every tick until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, interval time.Duration, budget Budget) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Drain(ctx, budget); err != nil {
			c.log.Warn().Err(err).Msg("drain aborted")
		}
		if depth, err := c.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handle takes one message to a checkpoint: acked, released, or left to its
// lease. It never returns an error; outcomes go into the tally.
func (c *Consumer) handle(ctx context.Context, msg models.QueueMessage, t *tally) {
	log := c.log.With().Str("message_id", msg.ID).Int("read_count", msg.ReadCount).Logger()

	if ctx.Err() != nil {
		// Claimed but not started before the pass ran out of time.
		c.release(ctx, msg.ID, 0, log)
		t.add(func(s *models.PassSummary) { s.Deferred++ })
		return
	}

	payload, err := models.DecodePayload(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("dropping invalid message")
		c.ack(ctx, msg.ID, log)
		telemetry.JobsFailed.Inc()
		t.add(func(s *models.PassSummary) { s.Processed++; s.Failed++ })
		return
	}
	log = log.With().Str("idempotency_key", payload.IdempotencyKey).Logger()

	job, created, err := c.ledger.Resolve(ctx, payload.Spec())
	if err != nil {
		log.Error().Err(err).Msg("resolve job failed; leaving message for redelivery")
		c.release(ctx, msg.ID, c.opts.BackoffInitial, log)
		t.add(func(s *models.PassSummary) { s.Deferred++ })
		return
	}
	log = log.With().Str("job_id", job.ID).Logger()
	if created {
		_ = c.ledger.AppendAudit(ctx, job.ID, "created", "message="+msg.ID)
	}

	if job.State.Terminal() {
		log.Info().Str("state", string(job.State)).Msg("duplicate delivery of finished job")
		c.ack(ctx, msg.ID, log)
		telemetry.DuplicateSkips.Inc()
		t.add(func(s *models.PassSummary) { s.Processed++; s.SkippedDuplicate++ })
		return
	}

	claimed, ok := c.claim(ctx, job, msg, log)
	if !ok {
		t.add(func(s *models.PassSummary) { s.Deferred++ })
		return
	}

	leaseCtx, cancel := context.WithDeadline(ctx, msg.VisibleAt)
	res := c.chain.Attempt(leaseCtx, claimed)
	cancel()

	if !c.now().Before(msg.VisibleAt) {
		// Another consumer may own the message now; its result wins.
		log.Warn().Msg("lease expired during processing; discarding result")
		telemetry.AbandonedJobs.Inc()
		t.add(func(s *models.PassSummary) { s.Abandoned++ })
		return
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinalizeTimeout)
	defer fcancel()

	if res.Interrupted {
		c.suspend(fctx, msg, claimed, res.Attempts, t, log)
		return
	}

	switch res.Outcome {
	case fallback.OutcomeSucceeded:
		art, err := c.artifacts.Save(fctx, claimed, res.Output.Data, res.Output.MediaType)
		if err != nil {
			log.Error().Err(err).Msg("artifact storage failed")
			c.retryOrFail(fctx, msg, claimed, res.Attempts, "artifact storage: "+err.Error(), "artifact storage failed: "+err.Error(), t, log)
			return
		}
		ref := art.StorageRef
		c.finish(fctx, msg, claimed, jobstate.EventSucceed, res.Attempts, &ref, nil, t, log)
	case fallback.OutcomeRejected:
		reason := res.Reason
		c.finish(fctx, msg, claimed, jobstate.EventFail, res.Attempts, nil, &reason, t, log)
	default:
		c.retryOrFail(fctx, msg, claimed, res.Attempts, res.Reason, ExhaustedReason, t, log)
	}
}

// claim moves the job to processing under this message's token. A job held
// by another live message is left alone and the message is retried later.
func (c *Consumer) claim(ctx context.Context, job models.Job, msg models.QueueMessage, log zerolog.Logger) (models.Job, bool) {
	if job.State == models.StateProcessing && !c.canTakeOver(job, msg) {
		log.Info().Msg("job held by another delivery; deferring")
		c.release(ctx, msg.ID, c.opts.Lease, log)
		return models.Job{}, false
	}
	next, effect, err := jobstate.Transition(job.State, jobstate.EventClaim)
	if err != nil {
		c.invariant(err, job.ID, log)
		c.release(ctx, msg.ID, c.opts.Lease, log)
		return models.Job{}, false
	}
	token := fmt.Sprintf("%s:%d", msg.ID, msg.ReadCount)
	claimed, err := c.ledger.CompareAndSwap(ctx, job.ID,
		store.Expect{State: job.State, ClaimToken: job.ClaimToken},
		store.Change{State: next, ClaimToken: token, ChainRuns: job.ChainRuns})
	if err != nil {
		if errors.Is(err, models.ErrStaleClaim) {
			log.Info().Msg("lost claim race; deferring")
		} else {
			log.Error().Err(err).Msg("claim failed")
		}
		c.release(ctx, msg.ID, c.opts.Lease, log)
		return models.Job{}, false
	}
	if effect == jobstate.EffectTakeover {
		log.Info().Str("previous_token", job.ClaimToken).Int("chain_runs", job.ChainRuns).Msg("taking over processing job")
	}
	return claimed, true
}

// canTakeOver allows a processing job to be reclaimed by a redelivery of the
// same message, or by any message once the last claim is older than a lease.
func (c *Consumer) canTakeOver(job models.Job, msg models.QueueMessage) bool {
	if job.ClaimToken == "" || strings.HasPrefix(job.ClaimToken, msg.ID+":") {
		return true
	}
	return !c.now().Before(job.UpdatedAt.Add(c.opts.Lease))
}

// suspend keeps the attempts of a run cut short by the pass deadline and
// hands the message back at once. The next claim resumes the same run with
// the models not yet tried. A run that made no attempt counts as deferred.
func (c *Consumer) suspend(ctx context.Context, msg models.QueueMessage, job models.Job, attempts []models.ProviderAttempt, t *tally, log zerolog.Logger) {
	if len(attempts) > 0 {
		next, _, err := jobstate.Transition(job.State, jobstate.EventRetry)
		if err != nil {
			c.invariant(err, job.ID, log)
			return
		}
		_, err = c.ledger.CompareAndSwap(ctx, job.ID,
			store.Expect{State: job.State, ClaimToken: job.ClaimToken},
			store.Change{State: next, ClaimToken: job.ClaimToken, Attempts: attempts, ChainRuns: job.ChainRuns})
		if err != nil {
			c.persistFailed(err, t, log)
			return
		}
	}
	c.release(ctx, msg.ID, 0, log)
	if len(attempts) == 0 {
		log.Info().Msg("no time left to start the chain; releasing message")
		t.add(func(s *models.PassSummary) { s.Deferred++ })
		return
	}
	log.Info().Int("attempts", len(attempts)).Msg("pass deadline reached mid-run; releasing message")
	telemetry.AbandonedJobs.Inc()
	t.add(func(s *models.PassSummary) { s.Abandoned++ })
}

func (c *Consumer) retryOrFail(ctx context.Context, msg models.QueueMessage, job models.Job, attempts []models.ProviderAttempt, reason, finalReason string, t *tally, log zerolog.Logger) {
	runs := job.ChainRuns + 1
	if runs >= c.opts.MaxChainRuns {
		log.Warn().Int("chain_runs", runs).Str("last_error", reason).Msg("retries exhausted")
		c.finish(ctx, msg, job, jobstate.EventFail, attempts, nil, &finalReason, t, log)
		return
	}

	next, effect, err := jobstate.Transition(job.State, jobstate.EventRetry)
	if err != nil {
		c.invariant(err, job.ID, log)
		return
	}
	_, err = c.ledger.CompareAndSwap(ctx, job.ID,
		store.Expect{State: job.State, ClaimToken: job.ClaimToken},
		store.Change{State: next, ClaimToken: job.ClaimToken, Attempts: attempts, ChainRuns: runs, LastError: &reason})
	if err != nil {
		c.persistFailed(err, t, log)
		return
	}
	if effect == jobstate.EffectRelease {
		delay := c.backoff(runs)
		c.release(ctx, msg.ID, delay, log)
		_ = c.ledger.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("chain_runs=%d delay=%s reason=%s", runs, delay, reason))
		log.Info().Int("chain_runs", runs).Dur("delay", delay).Str("reason", reason).Msg("chain exhausted; retry scheduled")
	}
	telemetry.JobsRetried.Inc()
	t.add(func(s *models.PassSummary) { s.Processed++; s.Retried++ })
}

// finish moves the job to a terminal state and, once that is stored,
// notifies and acks.
func (c *Consumer) finish(ctx context.Context, msg models.QueueMessage, job models.Job, event jobstate.Event, attempts []models.ProviderAttempt, result, lastErr *string, t *tally, log zerolog.Logger) {
	next, effect, err := jobstate.Transition(job.State, event)
	if err != nil {
		c.invariant(err, job.ID, log)
		return
	}
	done, err := c.ledger.CompareAndSwap(ctx, job.ID,
		store.Expect{State: job.State, ClaimToken: job.ClaimToken},
		store.Change{State: next, ClaimToken: job.ClaimToken, Attempts: attempts, ChainRuns: job.ChainRuns + 1, Result: result, LastError: lastErr})
	if err != nil {
		c.persistFailed(err, t, log)
		return
	}
	if effect != jobstate.EffectAckAndNotify {
		return
	}

	ev := completionEvent(done, c.now())
	c.ack(ctx, msg.ID, log)
	c.publish(ctx, ev, log)
	_ = c.ledger.AppendAudit(ctx, done.ID, string(done.State), firstNonEmpty(ev.ArtifactRef, ev.Reason))

	if done.State == models.StateSucceeded {
		telemetry.JobsSucceeded.Inc()
		log.Info().Str("artifact_ref", ev.ArtifactRef).Int("attempts", len(done.Attempts)).Msg("job succeeded")
		t.add(func(s *models.PassSummary) { s.Processed++; s.Succeeded++ })
		return
	}
	telemetry.JobsFailed.Inc()
	log.Warn().Str("reason", ev.Reason).Int("attempts", len(done.Attempts)).Msg("job failed")
	t.add(func(s *models.PassSummary) { s.Processed++; s.Failed++ })
}

// persistFailed handles a lost compare-and-set after the chain ran. A stale
// claim means another delivery finished or took over the job; this result is
// dropped and the message is left to its lease.
func (c *Consumer) persistFailed(err error, t *tally, log zerolog.Logger) {
	if errors.Is(err, models.ErrStaleClaim) {
		log.Warn().Err(err).Msg("stale result discarded")
		telemetry.AbandonedJobs.Inc()
		t.add(func(s *models.PassSummary) { s.Abandoned++ })
		return
	}
	log.Error().Err(err).Msg("ledger update failed; message will be redelivered")
	t.add(func(s *models.PassSummary) { s.Deferred++ })
}

// reconcileDeadLetters fails the jobs of messages the queue gave up on. A
// dead letter is archived only once its job is settled; one that hits a
// ledger error stays pending for the next pass.
func (c *Consumer) reconcileDeadLetters(ctx context.Context, t *tally) error {
	msgs, err := c.queue.PendingDeadLetters(ctx, c.opts.DeadLetterBatch)
	if err != nil {
		if errors.Is(err, models.ErrQueueUnavailable) {
			return err
		}
		c.log.Warn().Err(err).Msg("dead letter reconciliation skipped")
		return nil
	}
	for _, msg := range msgs {
		log := c.log.With().Str("message_id", msg.ID).Int("read_count", msg.ReadCount).Logger()
		if !c.settleDeadLetter(ctx, msg, log) {
			continue
		}
		if err := c.queue.ArchiveDeadLetter(ctx, msg.ID); err != nil {
			log.Error().Err(err).Msg("archive dead letter failed")
			continue
		}
		telemetry.DeadLetters.Inc()
		t.add(func(s *models.PassSummary) { s.DeadLettered++ })
	}
	return nil
}

// settleDeadLetter fails the job behind msg and reports whether nothing is
// left for the message to drive.
func (c *Consumer) settleDeadLetter(ctx context.Context, msg models.QueueMessage, log zerolog.Logger) bool {
	payload, err := models.DecodePayload(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("dead-lettered message has no valid payload")
		return true
	}
	job, _, err := c.ledger.Resolve(ctx, payload.Spec())
	if err != nil {
		log.Error().Err(err).Msg("resolve dead-lettered job failed; keeping dead letter pending")
		return false
	}
	if job.State.Terminal() {
		return true
	}
	next, _, err := jobstate.Transition(job.State, jobstate.EventFail)
	if err != nil {
		c.invariant(err, job.ID, log)
		return false
	}
	reason := fmt.Sprintf("dead-lettered after %d deliveries", msg.ReadCount)
	done, err := c.ledger.CompareAndSwap(ctx, job.ID,
		store.Expect{State: job.State, ClaimToken: job.ClaimToken},
		store.Change{State: next, ClaimToken: job.ClaimToken, ChainRuns: job.ChainRuns, LastError: &reason})
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("could not fail dead-lettered job; keeping dead letter pending")
		return false
	}
	_ = c.ledger.AppendAudit(ctx, done.ID, "dead_letter", reason)
	c.publish(ctx, completionEvent(done, c.now()), log)
	telemetry.JobsFailed.Inc()
	log.Warn().Str("job_id", done.ID).Msg(reason)
	return true
}

func (c *Consumer) publish(ctx context.Context, event models.CompletionEvent, log zerolog.Logger) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.NotifyTimeout)
	defer cancel()
	if err := c.notifier.Publish(nctx, event); err != nil {
		log.Warn().Err(err).Msg("completion notification failed")
	}
}

func (c *Consumer) ack(ctx context.Context, id string, log zerolog.Logger) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinalizeTimeout)
	defer cancel()
	if err := c.queue.Ack(qctx, id); err != nil {
		log.Error().Err(err).Msg("ack failed; message will be redelivered")
	}
}

func (c *Consumer) release(ctx context.Context, id string, delay time.Duration, log zerolog.Logger) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinalizeTimeout)
	defer cancel()
	if err := c.queue.Release(qctx, id, delay); err != nil {
		log.Error().Err(err).Msg("release failed; message returns after its lease")
	}
}

func (c *Consumer) invariant(err error, jobID string, log zerolog.Logger) {
	telemetry.InvariantViolations.Inc()
	log.Error().Err(err).Bool("invariant", true).Str("job_id", jobID).Msg("transition rejected")
}

func completionEvent(job models.Job, now time.Time) models.CompletionEvent {
	ev := models.CompletionEvent{
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		Outcome:        models.CompletionFailed,
		Timestamp:      now.UTC(),
	}
	if job.State == models.StateSucceeded {
		ev.Outcome = models.CompletionSucceeded
		if job.Result != nil {
			ev.ArtifactRef = *job.Result
		}
	} else if job.LastError != nil {
		ev.Reason = *job.LastError
	}
	return ev
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max && max > 0 {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
