package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRedisQueue(t *testing.T, threshold int) (*RedisQueue, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := NewRedisQueue(config.Config{RedisAddr: mr.Addr(), DeadLetterThreshold: threshold})
	t.Cleanup(func() { _ = q.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	q.now = clock.Now
	return q, clock, mr
}

func TestRedisQueueClaimLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestRedisQueue(t, 0)

	id, err := q.Enqueue(ctx, []byte(`{"idempotencyKey":"scene1-abc"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.ClaimBatch(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected to claim %s, got %#v", id, msgs)
	}
	if msgs[0].ReadCount != 1 {
		t.Fatalf("read count = %d, want 1", msgs[0].ReadCount)
	}
	if string(msgs[0].Payload) != `{"idempotencyKey":"scene1-abc"}` {
		t.Fatalf("payload mismatch: %s", msgs[0].Payload)
	}
	if !msgs[0].VisibleAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("visible_at = %s, want lease expiry", msgs[0].VisibleAt)
	}

	// Leased: a second consumer sees nothing.
	again, err := q.ClaimBatch(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased message must not be claimable, got %d", len(again))
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(2 * time.Minute)
	after, _ := q.ClaimBatch(ctx, 5, time.Minute)
	if len(after) != 0 {
		t.Fatalf("acked message came back: %#v", after)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestRedisQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestRedisQueue(t, 0)

	id, _ := q.Enqueue(ctx, []byte("x"))
	if _, err := q.ClaimBatch(ctx, 1, 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(31 * time.Second)

	msgs, err := q.ClaimBatch(ctx, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].ReadCount != 2 {
		t.Fatalf("expected redelivery with read_count 2, got %#v", msgs)
	}
}

func TestRedisQueueReleaseKeepsReadCount(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestRedisQueue(t, 0)

	id, _ := q.Enqueue(ctx, []byte("x"))
	_, _ = q.ClaimBatch(ctx, 1, time.Minute)
	if err := q.Release(ctx, id, 10*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}

	if msgs, _ := q.ClaimBatch(ctx, 1, time.Minute); len(msgs) != 0 {
		t.Fatalf("released message visible before delay")
	}
	clock.Advance(10 * time.Second)
	msgs, _ := q.ClaimBatch(ctx, 1, time.Minute)
	if len(msgs) != 1 || msgs[0].ReadCount != 2 {
		t.Fatalf("expected claim after delay with read_count 2, got %#v", msgs)
	}

	// Releasing an acked message must not resurrect it.
	_ = q.Ack(ctx, id)
	_ = q.Release(ctx, id, 0)
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("release resurrected acked message")
	}
}

func TestRedisQueueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestRedisQueue(t, 2)

	id, _ := q.Enqueue(ctx, []byte("poison"))
	for i := 0; i < 2; i++ {
		msgs, err := q.ClaimBatch(ctx, 1, time.Second)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("claim %d: msgs=%d err=%v", i, len(msgs), err)
		}
		clock.Advance(2 * time.Second)
	}

	msgs, err := q.ClaimBatch(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message past the threshold must be dead-lettered, got %#v", msgs)
	}

	pending, err := q.PendingDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("pending dead letters: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || string(pending[0].Payload) != "poison" || pending[0].ReadCount != 3 {
		t.Fatalf("unexpected dead letters %#v", pending)
	}
	if again, _ := q.PendingDeadLetters(ctx, 10); len(again) != 1 {
		t.Fatalf("reading pending dead letters must not remove them")
	}
	if archived, _ := q.DeadLetters(ctx, 10); len(archived) != 0 {
		t.Fatalf("archived before settle: %#v", archived)
	}

	for i := 0; i < 2; i++ {
		if err := q.ArchiveDeadLetter(ctx, id); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	if again, _ := q.PendingDeadLetters(ctx, 10); len(again) != 0 {
		t.Fatalf("dead letter still pending after archive")
	}
	archived, err := q.DeadLetters(ctx, 10)
	if err != nil || len(archived) != 1 || archived[0].ID != id {
		t.Fatalf("archive = %#v err=%v", archived, err)
	}
}

func TestRedisQueueUnavailable(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newTestRedisQueue(t, 0)
	mr.Close()

	_, err := q.ClaimBatch(ctx, 1, time.Second)
	if !errors.Is(err, models.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	if _, err := q.Enqueue(ctx, []byte("x")); !errors.Is(err, models.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable on enqueue, got %v", err)
	}
}
