package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-pipeline/internal/models"
)

// MemoryQueue is an in-process Store with the same lease semantics as
// RedisQueue. It backs single-process runs and tests.
type MemoryQueue struct {
	mu            sync.Mutex
	messages      map[string]*models.QueueMessage
	pending       []*models.QueueMessage
	archived      []*models.QueueMessage
	deadLetterMax int
	now           func() time.Time
}

var _ Store = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue. A deadLetterMax of zero disables
// dead-lettering.
func NewMemoryQueue(deadLetterMax int) *MemoryQueue {
	return &MemoryQueue{
		messages:      make(map[string]*models.QueueMessage),
		deadLetterMax: deadLetterMax,
		now:           time.Now,
	}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	id := uuid.NewString()
	q.messages[id] = &models.QueueMessage{
		ID:         id,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	return id, nil
}

func (q *MemoryQueue) ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]models.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*models.QueueMessage
	for _, m := range q.messages {
		if !m.VisibleAt.After(now) {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].VisibleAt.Equal(ready[j].VisibleAt) {
			return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
		}
		return ready[i].VisibleAt.Before(ready[j].VisibleAt)
	})

	var out []models.QueueMessage
	for _, m := range ready {
		if len(out) >= max {
			break
		}
		m.ReadCount++
		if q.deadLetterMax > 0 && m.ReadCount > q.deadLetterMax {
			delete(q.messages, m.ID)
			q.pending = append(q.pending, m)
			continue
		}
		m.VisibleAt = now.Add(lease)
		cp := *m
		cp.Payload = append([]byte(nil), m.Payload...)
		out = append(out, cp)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.messages, id)
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.messages[id]; ok {
		if delay < 0 {
			delay = 0
		}
		m.VisibleAt = q.now().Add(delay)
	}
	return nil
}

func (q *MemoryQueue) PendingDeadLetters(_ context.Context, limit int) ([]models.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueueMessage
	for _, m := range q.pending {
		if len(out) >= limit {
			break
		}
		cp := *m
		cp.Payload = append([]byte(nil), m.Payload...)
		out = append(out, cp)
	}
	return out, nil
}

func (q *MemoryQueue) ArchiveDeadLetter(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.archived = append(q.archived, m)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]models.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.QueueMessage
	for _, m := range q.archived {
		if len(out) >= limit {
			break
		}
		out = append(out, *m)
	}
	return out, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages)), nil
}
