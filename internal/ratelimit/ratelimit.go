// Package ratelimit wraps the broker's token-bucket script behind the
// narrow Limiter interface the API router's middleware needs.
package ratelimit

import (
	"context"

	"github.com/relaywh/webhookd/internal/apierror"
	"github.com/relaywh/webhookd/internal/broker"
)

// Limiter reports whether a unit of work identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type tokenBucketLimiter struct {
	broker   broker.Broker
	rate     float64
	capacity float64
}

// New builds a Limiter backed by the broker's atomic token-bucket script.
// rate is tokens/second refill; capacity is the maximum burst size.
func New(b broker.Broker, rate, capacity float64) Limiter {
	return &tokenBucketLimiter{broker: b, rate: rate, capacity: capacity}
}

func (l *tokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := l.broker.Allow(ctx, broker.RateLimitKey(key), l.rate, l.capacity, 1)
	if err != nil {
		return false, apierror.ServiceUnavailable("rate limiting service unavailable", err)
	}
	return allowed, nil
}
