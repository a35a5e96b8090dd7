// Package claim is the sole mechanism enforcing at-most-one in-flight
// worker per event. It is a thin wrapper over eventstore.Store.Claim so the
// delivery worker pool depends on a narrow interface rather than the full
// store contract.
package claim

import (
	"context"
	"time"

	"github.com/relaywh/webhookd/internal/eventstore"
)

// Service grants leases on eligible events.
type Service struct {
	store eventstore.Store
	lease time.Duration
}

// New builds a Service. lease bounds how long a claim holds before another
// worker may reclaim the event.
func New(store eventstore.Store, lease time.Duration) *Service {
	return &Service{store: store, lease: lease}
}

// Claim attempts to acquire the lease on id as of now. A nil, nil return
// means no document matched: either another worker owns it, or it is not
// yet due.
func (s *Service) Claim(ctx context.Context, id string, now time.Time) (*eventstore.Event, error) {
	return s.store.Claim(ctx, id, now, s.lease)
}
