package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fiscal-sync/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled dispatch ids in
// Redis. Redelivery of the same id is safe: the engine's claim step makes
// processing idempotent.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "dispatch:ready",
		inflightKey:   "dispatch:inflight",
		scheduledKey:  "dispatch:scheduled",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

// NewWithClient builds a queue on an existing client. Tests use it.
func NewWithClient(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	if dlqKey == "" {
		dlqKey = "dispatch:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "dispatch:ready",
		inflightKey:   "dispatch:inflight",
		scheduledKey:  "dispatch:scheduled",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

// Enqueue inserts a dispatch into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, dispatchID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: dispatchID}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, dispatchID).Err()
}

// PromoteScheduled moves due scheduled dispatches into the ready queue.
// It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a dispatch from the ready queue and places it into
// inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return id, nil
}

// Ack removes a dispatch from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, dispatchID string) error {
	return q.client.ZRem(ctx, q.inflightKey, dispatchID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, dispatchID string) error {
	return q.client.RPush(ctx, q.dlqKey, dispatchID).Err()
}

// DLQPeek reads the latest dead-lettered dispatch ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
