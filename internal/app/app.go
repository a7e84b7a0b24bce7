// Package app assembles the pipeline components selected by configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-pipeline/internal/artifact"
	"media-pipeline/internal/config"
	"media-pipeline/internal/consumer"
	"media-pipeline/internal/fallback"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/provider"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/store"
)

// Ledger is a job ledger that also indexes artifacts.
type Ledger interface {
	store.Ledger
	artifact.Index
}

// App holds the wired components shared by the API and worker binaries.
type App struct {
	Queue    queue.Store
	Ledger   Ledger
	Consumer *consumer.Consumer
	// ClientLimiter rate-limits enqueue requests per client. Nil without Redis.
	ClientLimiter ratelimit.Limiter

	closers []func()
}

// Build connects the configured backends. Memory backends keep everything in
// process, which only makes sense for a single binary serving both roles.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &App{}

	switch cfg.LedgerBackend {
	case "memory":
		a.Ledger = store.NewMemory()
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		if err := st.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Ledger = st
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	var rdb *redis.Client
	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewMemoryQueue(cfg.DeadLetterThreshold)
	case "redis", "":
		rq := queue.NewRedisQueue(cfg)
		a.closers = append(a.closers, func() { _ = rq.Close() })
		if err := rq.Client().Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
		a.Queue = rq
		rdb = rq.Client()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	var throttle ratelimit.Limiter
	if rdb != nil {
		notifier = notify.Multi{notifier, notify.NewRedisPublisher(rdb, cfg.NotifyChannel)}
		a.ClientLimiter = ratelimit.NewTokenBucket(rdb, "rl:client:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		if cfg.ProviderRateCapacity > 0 {
			throttle = ratelimit.NewTokenBucket(rdb, "rl:model:", cfg.ProviderRateCapacity, cfg.ProviderRateRefill, time.Hour)
		}
	}

	httpClient := &http.Client{Timeout: cfg.VideoAttemptTimeout}
	adapters, err := fallback.BuildAdapters(cfg, provider.Options{
		APIKey:       cfg.GeminiAPIKey,
		BaseURL:      cfg.GeminiBaseURL,
		HTTPClient:   httpClient,
		PollInterval: cfg.VideoPollInterval,
		MaxBytes:     cfg.ReferenceMaxBytes,
		Logger:       log,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build adapters: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set; using synthetic adapters")
	}
	chain := fallback.New(adapters, fallback.Options{
		ImageTimeout: cfg.ImageAttemptTimeout,
		VideoTimeout: cfg.VideoAttemptTimeout,
		References:   provider.NewReferenceFetcher(httpClient, cfg.ReferenceMaxBytes),
		Throttle:     throttle,
		Logger:       log,
	})

	blob, err := artifact.NewBlob(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("artifact storage: %w", err)
	}
	artifacts := artifact.NewStore(blob, a.Ledger, cfg.PreviewWidth, log)

	a.Consumer = consumer.New(a.Queue, a.Ledger, chain, artifacts, notifier, consumer.OptionsFromConfig(cfg), log)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
