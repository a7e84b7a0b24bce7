package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"media-pipeline/internal/config"
	"media-pipeline/internal/consumer"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
)

func baseConfig(t *testing.T) config.Config {
	return config.Config{
		LedgerBackend:       "memory",
		QueueBackend:        "memory",
		DeadLetterThreshold: 8,
		MaxChainRuns:        3,
		ImageModels:         []string{"gemini-2.5-flash-image"},
		VideoModels:         []string{"veo-3.1-fast", "veo-2.0"},
		ImageAttemptTimeout: time.Second,
		VideoAttemptTimeout: time.Second,
		ArtifactDir:         t.TempDir(),
		LeaseDuration:       5 * time.Second,
		NotifyChannel:       "generation:events",
		RateLimitCapacity:   10,
		RateLimitRefill:     1,
	}
}

func TestBuildMemoryBackendsRunsJob(t *testing.T) {
	a, err := Build(context.Background(), baseConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if a.ClientLimiter != nil {
		t.Fatalf("limiter configured without redis")
	}

	_, _ = a.Queue.Enqueue(context.Background(), []byte(`{"idempotencyKey":"k1","mode":"text-to-video","prompt":"surf"}`))
	summary, err := a.Consumer.RunPass(context.Background(), consumer.Budget{MaxMessages: 5, MaxWallClock: 5 * time.Second})
	if err != nil || summary.Succeeded != 1 {
		t.Fatalf("summary=%+v err=%v", summary, err)
	}
	job, found, _ := a.Ledger.FindByIdempotencyKey(context.Background(), "k1")
	if !found || job.State != models.StateSucceeded || job.Attempts[0].Model != "veo-3.1-fast" {
		t.Fatalf("unexpected job %#v", job)
	}
}

func TestBuildRedisQueueSharesClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := baseConfig(t)
	cfg.QueueBackend = "redis"
	cfg.RedisAddr = mr.Addr()
	cfg.ProviderRateCapacity = 5
	a, err := Build(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if _, ok := a.Queue.(*queue.RedisQueue); !ok {
		t.Fatalf("queue is %T", a.Queue)
	}
	if a.ClientLimiter == nil {
		t.Fatalf("client limiter not configured")
	}
	if ok, _, err := a.ClientLimiter.Allow(context.Background(), "c1"); err != nil || !ok {
		t.Fatalf("allow: %v %v", ok, err)
	}
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg := baseConfig(t)
	cfg.QueueBackend = "kafka"
	if _, err := Build(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("unknown queue backend accepted")
	}
	cfg = baseConfig(t)
	cfg.LedgerBackend = "mongo"
	if _, err := Build(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("unknown ledger backend accepted")
	}
}

func TestBuildRejectsAttemptTimeoutOverPass(t *testing.T) {
	cfg := baseConfig(t)
	cfg.PassMaxWallClock = 140 * time.Second
	cfg.LeaseDuration = 150 * time.Second
	cfg.VideoAttemptTimeout = 140 * time.Second
	if _, err := Build(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("attempt timeout as long as the pass accepted")
	}
}
