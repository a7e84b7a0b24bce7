package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
)

// RedisQueue keeps every message in one sorted set scored by the time it
// becomes claimable. Leased and ready messages share the set, so lease expiry
// needs no reaper: an expired lease is simply a score in the past.
type RedisQueue struct {
	client        *redis.Client
	visibleKey    string
	messagePrefix string
	dlqPendingKey string
	dlqKey        string
	deadLetterMax int
	now           func() time.Time
}

var _ Store = (*RedisQueue)(nil)

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisQueue{
		client:        client,
		visibleKey:    "queue:visible",
		messagePrefix: "queue:msg:",
		dlqPendingKey: "queue:dlq:pending",
		dlqKey:        "queue:dlq",
		deadLetterMax: cfg.DeadLetterThreshold,
		now:           time.Now,
	}
}

// Client exposes the underlying connection so other Redis-backed components
// can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close releases the connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) messageKey(id string) string {
	return q.messagePrefix + id
}

// Enqueue stores the payload and makes it claimable immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	now := q.now().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.messageKey(id), "payload", payload, "enqueued_at", now, "read_count", 0)
	pipe.ZAdd(ctx, q.visibleKey, redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("enqueue", err)
	}
	return id, nil
}

// ClaimBatch leases up to max claimable messages in a single script run.
func (q *RedisQueue) ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]models.QueueMessage, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now()
	leaseUntil := now.Add(lease)
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.visibleKey, q.dlqPendingKey},
		q.messagePrefix, now.UnixMilli(), leaseUntil.UnixMilli(), max, q.deadLetterMax,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim batch", err)
	}
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	out := make([]models.QueueMessage, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]interface{})
		if !ok || len(fields) < 4 {
			return nil, fmt.Errorf("unexpected claim row: %#v", row)
		}
		msg := models.QueueMessage{
			ID:         asString(fields[0]),
			Payload:    []byte(asString(fields[1])),
			EnqueuedAt: millis(asString(fields[2])),
			VisibleAt:  time.UnixMilli(leaseUntil.UnixMilli()),
		}
		if n, ok := fields[3].(int64); ok {
			msg.ReadCount = int(n)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ack removes the message and its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.visibleKey, id)
	pipe.Del(ctx, q.messageKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Release pushes the visibility of a still-present message to now+delay.
// Acked or dead-lettered messages are left alone.
func (q *RedisQueue) Release(ctx context.Context, id string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	err := q.client.ZAddArgs(ctx, q.visibleKey, redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(q.now().Add(delay).UnixMilli()), Member: id}},
	}).Err()
	if err != nil {
		return unavailable("release", err)
	}
	return nil
}

// PendingDeadLetters reads dead letters that are waiting to be settled.
func (q *RedisQueue) PendingDeadLetters(ctx context.Context, limit int) ([]models.QueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := q.client.LRange(ctx, q.dlqPendingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("read pending dead letters", err)
	}
	out := make([]models.QueueMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := q.load(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ArchiveDeadLetter moves id from the pending list to the archive. Concurrent
// callers archive it once.
func (q *RedisQueue) ArchiveDeadLetter(ctx context.Context, id string) error {
	if err := archiveScript.Run(ctx, q.client, []string{q.dlqPendingKey, q.dlqKey}, id).Err(); err != nil {
		return unavailable("archive dead letter", err)
	}
	return nil
}

// DeadLetters reads the latest archived dead letters.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]models.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("read dead letters", err)
	}
	out := make([]models.QueueMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := q.load(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Depth returns how many messages are queued or leased.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.visibleKey).Result()
	if err != nil {
		return 0, unavailable("depth", err)
	}
	return n, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (models.QueueMessage, error) {
	vals, err := q.client.HGetAll(ctx, q.messageKey(id)).Result()
	if err != nil {
		return models.QueueMessage{}, unavailable("load message", err)
	}
	msg := models.QueueMessage{
		ID:         id,
		Payload:    []byte(vals["payload"]),
		EnqueuedAt: millis(vals["enqueued_at"]),
	}
	if n, err := strconv.Atoi(vals["read_count"]); err == nil {
		msg.ReadCount = n
	}
	return msg, nil
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var claimScript = redis.NewScript(`
local visible = KEYS[1]
local dlq = KEYS[2]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local lease_until = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local threshold = tonumber(ARGV[5])

local ids = redis.call('ZRANGEBYSCORE', visible, '-inf', now, 'LIMIT', 0, limit)
local out = {}
for _, id in ipairs(ids) do
  local key = prefix .. id
  local reads = redis.call('HINCRBY', key, 'read_count', 1)
  if threshold > 0 and reads > threshold then
    redis.call('ZREM', visible, id)
    redis.call('RPUSH', dlq, id)
  else
    redis.call('ZADD', visible, lease_until, id)
    local fields = redis.call('HMGET', key, 'payload', 'enqueued_at')
    table.insert(out, {id, fields[1] or '', fields[2] or '0', reads})
  end
end
return out
`)

var archiveScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)
