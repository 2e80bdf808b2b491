// Package queue is the event bus client the scheduler and executor
// use to move events between scheduler_queue and compute_queue. It is
// backed by Redis: plain lists for the live queues, plus one sorted
// set per queue holding entries scheduled for later delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	SchedulerQueueKey = "dagforge:scheduler_queue"
	ComputeQueueKey   = "dagforge:compute_queue"
	delayedSetSuffix  = ":delayed"
)

// Config configures the Redis-backed event bus client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// DefaultConfig targets a local Redis with no auth.
func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", DB: 0}
}

// Bus is the Redis-backed event bus. Publish is at-least-once: a
// publish retried after a lost reply, or a delayed entry promoted by
// two callers at once, can land twice, so every handler on the other
// end must be idempotent. Consume pops an entry off the list with
// BRPOP and there is no acknowledgement step: an entry popped by a
// consumer that crashes before handling it is not redelivered.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection with Ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}
	return &Bus{client: client, logger: logger}, nil
}

// Close releases the Redis connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish pushes a JSON-encoded payload onto queueKey, retrying
// transient Redis errors with exponential backoff and jitter.
func (b *Bus) Publish(ctx context.Context, queueKey string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	return withBackoff(ctx, b.logger, func() error {
		return b.client.LPush(ctx, queueKey, data).Err()
	})
}

// PublishDelayed schedules payload to land on queueKey after delay,
// used by the scheduler's per-node retry to re-dispatch a failed task
// group once delay_seconds has elapsed instead of immediately.
func (b *Bus) PublishDelayed(ctx context.Context, queueKey string, payload interface{}, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed payload: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	return withBackoff(ctx, b.logger, func() error {
		return b.client.ZAdd(ctx, queueKey+delayedSetSuffix, redis.Z{Score: score, Member: data}).Err()
	})
}

// PromoteDue moves any delayed entries on queueKey whose deadline has
// passed onto the live queue. Callers run this on a ticker. Each entry
// is pushed and removed in one transaction, but due entries are read
// before that, so two concurrent callers can both push the same entry.
func (b *Bus) PromoteDue(ctx context.Context, queueKey string) (int, error) {
	delayedKey := queueKey + delayedSetSuffix
	now := float64(time.Now().UnixMilli())

	due, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed set: %w", err)
	}
	for _, member := range due {
		pipe := b.client.TxPipeline()
		pipe.LPush(ctx, queueKey, member)
		pipe.ZRem(ctx, delayedKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("queue: promote delayed entry: %w", err)
		}
	}
	return len(due), nil
}

// Consume blocks (up to timeout) for the next payload on queueKey,
// decoding it into out. When the timeout elapses with nothing
// delivered, Redis's redis.Nil reply is reported as ErrNoMessage.
func (b *Bus) Consume(ctx context.Context, queueKey string, timeout time.Duration, out interface{}) error {
	res, err := b.client.BRPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNoMessage
		}
		return fmt.Errorf("queue: consume %s: %w", queueKey, err)
	}
	// BRPop returns [key, value]; index 1 is the payload.
	return json.Unmarshal([]byte(res[1]), out)
}

// ErrNoMessage is returned by Consume when its timeout elapses with
// nothing delivered.
var ErrNoMessage = fmt.Errorf("queue: no message before timeout")

func withBackoff(ctx context.Context, logger *zap.Logger, op func() error) error {
	const maxAttempts = 5
	base := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(wait) / 2))
		logger.Warn("queue operation failed, retrying", zap.Int("attempt", attempt), zap.Error(err), zap.Duration("wait", wait+jitter))
		select {
		case <-time.After(wait + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("queue: exhausted retries: %w", err)
}
