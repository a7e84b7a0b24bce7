package queue

import (
	"context"
	"fmt"
	"time"

	"media-pipeline/internal/models"
)

// Store is a lease-based, at-least-once message queue. A claimed message is
// hidden until its lease expires; a consumer that crashes before Ack lets the
// message come back, so callers must make processing idempotent.
type Store interface {
	// Enqueue stores an opaque payload and returns the new message id.
	Enqueue(ctx context.Context, payload []byte) (string, error)
	// ClaimBatch atomically leases up to max visible messages. Messages whose
	// read count would pass the dead-letter threshold are moved to the
	// dead-letter list instead of being returned.
	ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]models.QueueMessage, error)
	// Ack permanently removes a message.
	Ack(ctx context.Context, id string) error
	// Release makes a message visible again after delay without touching its
	// read count.
	Release(ctx context.Context, id string, delay time.Duration) error
	// PendingDeadLetters lists dead-lettered messages that have not been
	// archived yet, oldest first. Reading them does not remove them.
	PendingDeadLetters(ctx context.Context, limit int) ([]models.QueueMessage, error)
	// ArchiveDeadLetter moves a pending dead letter into the archive once its
	// job has been settled. Archiving an unknown or archived id is a no-op.
	ArchiveDeadLetter(ctx context.Context, id string) error
	// DeadLetters lists archived dead-lettered messages.
	DeadLetters(ctx context.Context, limit int) ([]models.QueueMessage, error)
	// Depth counts messages that are queued or leased.
	Depth(ctx context.Context) (int64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrQueueUnavailable, err)
}
