package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-pipeline/internal/models"
)

// Notifier announces terminal job outcomes. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, event models.CompletionEvent) error
}

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.CompletionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}

// LogNotifier writes events to the service log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Publish(_ context.Context, event models.CompletionEvent) error {
	l.log.Info().
		Str("job_id", event.JobID).
		Str("idempotency_key", event.IdempotencyKey).
		Str("outcome", string(event.Outcome)).
		Str("artifact_ref", event.ArtifactRef).
		Str("reason", event.Reason).
		Msg("job completed")
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, event models.CompletionEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.CompletionEvent
	Err    error
}

func (r *Recorder) Publish(_ context.Context, event models.CompletionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

func (r *Recorder) Events() []models.CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CompletionEvent(nil), r.events...)
}
