package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/logging"
	"media-pipeline/internal/models"
)

func TestRedisPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "generation:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := models.CompletionEvent{
		JobID:          "job-1",
		IdempotencyKey: "scene1-abc",
		Outcome:        models.CompletionSucceeded,
		ArtifactRef:    "images/job-1.png",
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := NewRedisPublisher(client, "generation:events").Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got models.CompletionEvent
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != event {
			t.Fatalf("got %#v, want %#v", got, event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	good := &Recorder{}
	bad := &Recorder{Err: boom}
	m := Multi{bad, NewLogNotifier(logging.Discard()), good}

	err := m.Publish(context.Background(), models.CompletionEvent{JobID: "j", Outcome: models.CompletionFailed, Reason: "safety filter"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(good.Events()) != 1 {
		t.Fatalf("later notifiers skipped after an error")
	}
}
