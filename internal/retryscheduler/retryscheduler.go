// Package retryscheduler runs a dedicated loop that, every ~1 second,
// moves due entries from the broker's delayed-retry set back onto the
// ready queue, and periodically self-heals by scanning the store for
// due-but-unpublished events.
package retryscheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/broker"
	"github.com/relaywh/webhookd/internal/eventstore"
)

// Config controls the loop's cadence.
type Config struct {
	Interval time.Duration
	// ScanEvery is expressed in ticks: every ScanEvery-th tick also runs
	// the store scan fallback. Zero disables the fallback.
	ScanEvery int
	BatchSize int64
}

func DefaultConfig() Config {
	return Config{Interval: time.Second, ScanEvery: 30, BatchSize: 100}
}

// Scheduler periodically requeues due retries.
type Scheduler struct {
	cfg    Config
	broker broker.Broker
	store  eventstore.Store
	log    *zap.Logger
}

func New(cfg Config, b broker.Broker, store eventstore.Store, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, broker: b, store: store, log: log}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			s.requeueDue(ctx)
			if s.cfg.ScanEvery > 0 && tick%s.cfg.ScanEvery == 0 {
				s.scanFallback(ctx)
			}
		}
	}
}

// requeueDue pops everything due, then pushes each to the ready queue.
// Pop-then-push (rather than push-then-pop) means a crash between the two
// can only lose a retry, never duplicate a claim, since claim is
// idempotent.
func (s *Scheduler) requeueDue(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.broker.PopDueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("retry scheduler: failed to read due retries", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.broker.Enqueue(ctx, id); err != nil {
			// The entry is already removed from the retry set; if enqueue
			// fails here the scan fallback is what recovers it.
			s.log.Warn("retry scheduler: failed to requeue due retry", zap.String("event_id", id), zap.Error(err))
		}
	}
}

// scanFallback re-publishes any store event that is due and unlocked, even
// if the broker's delayed-retry set has no record of it (e.g. after an
// ingest whose enqueue failed).
func (s *Scheduler) scanFallback(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.store.ScanDue(ctx, now)
	if err != nil {
		s.log.Error("retry scheduler: scan fallback failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.broker.Enqueue(ctx, id); err != nil {
			s.log.Warn("retry scheduler: scan fallback failed to requeue", zap.String("event_id", id), zap.Error(err))
		}
	}
}
