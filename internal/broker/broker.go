// Package broker is the Redis-backed transport: a ready queue for immediate
// delivery, a delayed-retry sorted set for scheduled redelivery, and an
// atomic token-bucket script for rate limiting.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaywh/webhookd/internal/apierror"
)

const (
	readyQueueKey = "webhook:queue"
	retryZSetKey  = "webhook:retry"
)

// Broker is the transport contract: an at-least-once ready queue plus a
// time-ordered delayed-retry set, both keyed by event id.
type Broker interface {
	// Enqueue makes eventID immediately claimable.
	Enqueue(ctx context.Context, eventID string) error

	// Dequeue blocks up to timeout for the next ready event id. ok is false
	// on a timeout (not an error): callers loop back around.
	Dequeue(ctx context.Context, timeout time.Duration) (eventID string, ok bool, err error)

	// ScheduleRetry places eventID in the delayed-retry set, due at `at`.
	ScheduleRetry(ctx context.Context, eventID string, at time.Time) error

	// PopDueRetries atomically removes and returns up to limit retry-set
	// members whose due time has passed, moving ownership to the caller. It
	// does not itself re-enqueue them.
	PopDueRetries(ctx context.Context, now time.Time, limit int64) ([]string, error)

	// Allow evaluates the token bucket for key and reports whether the
	// request may proceed.
	Allow(ctx context.Context, key string, rate float64, capacity float64, cost float64) (bool, error)
}

type redisBroker struct {
	client *redis.Client
}

// New wraps an already-connected *redis.Client into a Broker.
func New(client *redis.Client) Broker {
	return &redisBroker{client: client}
}

func (b *redisBroker) Enqueue(ctx context.Context, eventID string) error {
	if err := b.client.LPush(ctx, readyQueueKey, eventID).Err(); err != nil {
		return apierror.Wrap(apierror.KindServiceUnavailable, "failed to enqueue event", err)
	}
	return nil
}

func (b *redisBroker) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := b.client.BRPop(ctx, timeout, readyQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierror.Wrap(apierror.KindServiceUnavailable, "failed to dequeue event", err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (b *redisBroker) ScheduleRetry(ctx context.Context, eventID string, at time.Time) error {
	err := b.client.ZAdd(ctx, retryZSetKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: eventID,
	}).Err()
	if err != nil {
		return apierror.Wrap(apierror.KindServiceUnavailable, "failed to schedule retry", err)
	}
	return nil
}

// popDueRetriesScript atomically reads and removes members scored at or
// before ARGV[1], capped at ARGV[2] members, so no two scheduler instances
// can claim the same due retry.
const popDueRetriesScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #due > 0 then
	redis.call("ZREM", KEYS[1], unpack(due))
end
return due
`

func (b *redisBroker) PopDueRetries(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := b.client.Eval(ctx, popDueRetriesScript, []string{retryZSetKey}, now.Unix(), limit).Result()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "failed to pop due retries", err)
	}

	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// tokenBucketScript implements a token-bucket rate limiter: a per-key hash
// holding the current token count and the last-refill timestamp, refilled
// lazily on each call by the elapsed time since the previous call
// multiplied by the rate, capped at capacity. KEYS[1] is the bucket key;
// ARGV is rate, capacity, cost, now.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "timestamp")
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])

if tokens == nil then
	tokens = capacity
	last = now
end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "timestamp", now)
redis.call("EXPIRE", key, math.ceil(capacity / math.max(rate, 0.001)) + 1)

return allowed
`

func (b *redisBroker) Allow(ctx context.Context, key string, rate float64, capacity float64, cost float64) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := b.client.Eval(ctx, tokenBucketScript, []string{key}, rate, capacity, cost, now).Result()
	if err != nil {
		return false, apierror.Wrap(apierror.KindServiceUnavailable, "rate limiting service unavailable", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, apierror.ServiceUnavailable("unexpected rate limiter response", nil)
	}
	return allowed == 1, nil
}

// RateLimitKey builds the bucket key for a named limiter dimension, e.g. the
// downstream-receive endpoint's bucket, which lives in Redis and is shared
// by every process using the same Redis instance.
func RateLimitKey(name string) string {
	return "webhook:ratelimit:" + name
}
