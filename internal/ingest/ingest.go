// Package ingest combines the event store's insert-or-return-existing
// semantics with a best-effort broker publish.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/broker"
	"github.com/relaywh/webhookd/internal/eventstore"
)

// Ingestor accepts already-authenticated webhook payloads, persists them
// idempotently, and publishes freshly inserted events for delivery.
type Ingestor struct {
	store  eventstore.Store
	broker broker.Broker
	log    *zap.Logger
}

func New(store eventstore.Store, b broker.Broker, log *zap.Logger) *Ingestor {
	return &Ingestor{store: store, broker: b, log: log}
}

// Ingest persists the event idempotently and returns it (fresh or
// pre-existing) without distinguishing the two beyond the returned id,
// matching the API's `{id}` response shape.
func (i *Ingestor) Ingest(ctx context.Context, idempotencyKey string, data map[string]interface{}) (*eventstore.Event, error) {
	now := time.Now().UTC()
	fresh := eventstore.NewEvent(idempotencyKey, data, now)

	stored, inserted, err := i.store.Insert(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return stored, nil
	}

	// Enqueue failure is tolerated as a transient operational fault: the
	// event is already durably RECEIVED, so the retry scheduler's scan
	// fallback will eventually re-publish it.
	if err := i.broker.Enqueue(ctx, stored.ID); err != nil {
		i.log.Warn("failed to enqueue freshly ingested event; relying on scan fallback",
			zap.String("event_id", stored.ID),
			zap.Error(err),
		)
	}
	return stored, nil
}
