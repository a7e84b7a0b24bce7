package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/provider"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/telemetry"
)

// Outcome is how one run over the chain ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRejected means a provider refused the request for good.
	OutcomeRejected Outcome = "rejected"
	// OutcomeExhausted means every model failed transiently or timed out.
	OutcomeExhausted Outcome = "exhausted"
)

// Result of Chain.Attempt. Interrupted is set when the run stopped before
// every model was tried because the caller's deadline was too close or had
// passed; Attempts then holds the calls that completed, which the next
// Attempt for the same run skips.
type Result struct {
	Outcome     Outcome
	Output      provider.Output
	Model       string
	Attempts    []models.ProviderAttempt
	Reason      string
	Interrupted bool
}

// ReferenceFetcher loads reference media for image-to-* modes.
type ReferenceFetcher interface {
	Fetch(ctx context.Context, ref string) (*provider.Media, error)
}

type Options struct {
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	References   ReferenceFetcher
	// Throttle, when set, is consulted per model before each call.
	Throttle ratelimit.Limiter
	Logger   zerolog.Logger
}

// Chain runs the ordered adapters of a capability until one succeeds.
type Chain struct {
	adapters   map[models.Capability][]provider.Adapter
	timeouts   map[models.Capability]time.Duration
	references ReferenceFetcher
	throttle   ratelimit.Limiter
	log        zerolog.Logger
	now        func() time.Time
}

// New groups adapters by capability, keeping their order.
func New(adapters []provider.Adapter, opts Options) *Chain {
	c := &Chain{
		adapters: make(map[models.Capability][]provider.Adapter),
		timeouts: map[models.Capability]time.Duration{
			models.CapabilityImage: opts.ImageTimeout,
			models.CapabilityVideo: opts.VideoTimeout,
		},
		references: opts.References,
		throttle:   opts.Throttle,
		log:        opts.Logger,
		now:        time.Now,
	}
	for _, a := range adapters {
		c.adapters[a.Capability()] = append(c.adapters[a.Capability()], a)
	}
	return c
}

// BuildAdapters instantiates the configured model lists in order.
func BuildAdapters(cfg config.Config, opts provider.Options) ([]provider.Adapter, error) {
	var out []provider.Adapter
	for _, capability := range []models.Capability{models.CapabilityImage, models.CapabilityVideo} {
		for _, model := range cfg.Models(string(capability)) {
			a, err := provider.New(model, opts)
			if err != nil {
				return nil, err
			}
			if a.Capability() != capability {
				return nil, fmt.Errorf("model %q produces %s, configured under %s", model, a.Capability(), capability)
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// Models returns the order the chain would try for a capability and hint.
func (c *Chain) Models(capability models.Capability, hint string) []string {
	var out []string
	for _, a := range c.order(capability, hint) {
		out = append(out, a.Model())
	}
	return out
}

// Attempt runs one pass over the chain for job. Models already attempted in
// the job's current run are skipped, so an interrupted run resumes where it
// stopped.
func (c *Chain) Attempt(ctx context.Context, job models.Job) Result {
	adapters := c.order(job.Capability, job.Inputs.RequestedModelHint)
	if len(adapters) == 0 {
		return Result{Outcome: OutcomeRejected, Reason: fmt.Sprintf("no models configured for %s", job.Capability)}
	}
	run := job.ChainRuns + 1
	adapters, lastReason := c.remaining(adapters, job.Attempts, run)
	if len(adapters) == 0 {
		return Result{Outcome: OutcomeExhausted, Reason: lastReason}
	}

	req := provider.Request{JobID: job.ID, Mode: job.Mode, Prompt: job.Inputs.Prompt}
	if job.Mode.NeedsReference() {
		ref, res, ok := c.fetchReference(ctx, job)
		if !ok {
			return res
		}
		req.Reference = ref
	}

	var attempts []models.ProviderAttempt
	for _, a := range adapters {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, Reason: ctx.Err().Error(), Interrupted: true}
		}
		log := c.log.With().Str("job_id", job.ID).Str("model", a.Model()).Logger()
		if !c.fits(ctx, job.Capability) {
			log.Info().Msg("not enough time left for a full attempt; stopping run")
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, Reason: "deadline too close for " + a.Model(), Interrupted: true}
		}

		if c.throttled(ctx, a.Model()) {
			attempts = append(attempts, models.ProviderAttempt{
				Model:       a.Model(),
				StartedAt:   c.now().UTC(),
				Outcome:     models.OutcomeTransientError,
				ErrorDetail: "throttled",
				Run:         run,
			})
			telemetry.ProviderAttempts.WithLabelValues(a.Model(), "throttled").Inc()
			lastReason = a.Model() + ": throttled"
			log.Info().Msg("provider throttled; trying next model")
			continue
		}

		started := c.now()
		out, err := c.call(ctx, a, job.Capability, req)
		elapsed := c.now().Sub(started)
		if err != nil && ctx.Err() != nil {
			// The pass or lease ended, not the attempt; this try is not the provider's fault.
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, Reason: ctx.Err().Error(), Interrupted: true}
		}

		outcome := provider.Classify(err)
		attempt := models.ProviderAttempt{
			Model:      a.Model(),
			StartedAt:  started.UTC(),
			DurationMs: elapsed.Milliseconds(),
			Outcome:    outcome,
			Run:        run,
		}
		if err != nil {
			attempt.ErrorDetail = err.Error()
		}
		attempts = append(attempts, attempt)
		telemetry.ProviderAttempts.WithLabelValues(a.Model(), string(outcome)).Inc()
		telemetry.ProviderDuration.WithLabelValues(a.Model()).Observe(elapsed.Seconds())
		log.Info().Str("outcome", string(outcome)).Dur("duration", elapsed).Err(err).Msg("provider attempt")

		switch outcome {
		case models.OutcomeSuccess:
			return Result{Outcome: OutcomeSucceeded, Output: out, Model: a.Model(), Attempts: attempts}
		case models.OutcomePermanentError:
			return Result{Outcome: OutcomeRejected, Model: a.Model(), Attempts: attempts, Reason: attempt.ErrorDetail}
		default:
			lastReason = attempt.ErrorDetail
			if outcome == models.OutcomeTimeout {
				lastReason = a.Model() + ": timed out"
			}
		}
	}
	return Result{Outcome: OutcomeExhausted, Attempts: attempts, Reason: lastReason}
}

func (c *Chain) call(ctx context.Context, a provider.Adapter, capability models.Capability, req provider.Request) (provider.Output, error) {
	attemptCtx := ctx
	if timeout := c.timeouts[capability]; timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := a.Generate(attemptCtx, req)
	if err == nil && len(out.Data) == 0 {
		err = provider.Transient(a.Model(), "empty output")
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return out, err
}

// remaining drops adapters whose model already has an attempt in run and
// returns the reason of the last such attempt.
func (c *Chain) remaining(adapters []provider.Adapter, prior []models.ProviderAttempt, run int) ([]provider.Adapter, string) {
	tried := make(map[string]bool)
	lastReason := ""
	for _, a := range prior {
		if a.Run != run {
			continue
		}
		tried[a.Model] = true
		lastReason = a.ErrorDetail
		if a.Outcome == models.OutcomeTimeout {
			lastReason = a.Model + ": timed out"
		}
	}
	if len(tried) == 0 {
		return adapters, ""
	}
	out := make([]provider.Adapter, 0, len(adapters))
	for _, a := range adapters {
		if !tried[a.Model()] {
			out = append(out, a)
		}
	}
	return out, lastReason
}

// fits reports whether ctx leaves room for a full attempt of capability. A
// call cut short by the caller's deadline is never recorded.
func (c *Chain) fits(ctx context.Context, capability models.Capability) bool {
	timeout := c.timeouts[capability]
	deadline, ok := ctx.Deadline()
	if timeout <= 0 || !ok {
		return true
	}
	return deadline.Sub(c.now()) >= timeout
}

func (c *Chain) fetchReference(ctx context.Context, job models.Job) (*provider.Media, Result, bool) {
	if c.references == nil {
		return nil, Result{Outcome: OutcomeRejected, Reason: "reference media not supported"}, false
	}
	ref, err := c.references.Fetch(ctx, job.Inputs.ReferenceMediaRef)
	if err == nil {
		return ref, Result{}, true
	}
	if ctx.Err() != nil {
		return nil, Result{Outcome: OutcomeExhausted, Reason: ctx.Err().Error(), Interrupted: true}, false
	}
	reason := "reference media: " + err.Error()
	if provider.Classify(err) == models.OutcomePermanentError {
		return nil, Result{Outcome: OutcomeRejected, Reason: reason}, false
	}
	return nil, Result{Outcome: OutcomeExhausted, Reason: reason}, false
}

func (c *Chain) throttled(ctx context.Context, model string) bool {
	if c.throttle == nil {
		return false
	}
	allowed, _, err := c.throttle.Allow(ctx, model)
	if err != nil {
		c.log.Warn().Err(err).Str("model", model).Msg("provider throttle unavailable; calling anyway")
		return false
	}
	return !allowed
}

// order returns the chain for a capability with a known hint moved to the front.
func (c *Chain) order(capability models.Capability, hint string) []provider.Adapter {
	base := c.adapters[capability]
	out := make([]provider.Adapter, 0, len(base))
	for _, a := range base {
		if hint != "" && a.Model() == hint {
			out = append([]provider.Adapter{a}, out...)
			continue
		}
		out = append(out, a)
	}
	return out
}
