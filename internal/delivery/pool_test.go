package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/claim"
	"github.com/relaywh/webhookd/internal/eventstore"
)

// fakeStore is a single-event eventstore.Store double that applies
// RecordOutcome the same way the real Mongo store does, so Pool.processOne
// can be exercised end to end across several synthetic attempts.
type fakeStore struct {
	eventstore.Store
	mu     sync.Mutex
	event  eventstore.Event
	locked bool
}

func (s *fakeStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*eventstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, nil
	}
	s.locked = true
	cp := s.event
	return &cp, nil
}

func (s *fakeStore) RecordOutcome(ctx context.Context, id string, outcome eventstore.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Status = outcome.Status
	s.event.AttemptCount = outcome.AttemptNumber
	s.event.NextRetryAt = outcome.NextRetryAt
	s.event.DeliveryLogs = append(s.event.DeliveryLogs, eventstore.DeliveryLog{
		AttemptNumber: outcome.AttemptNumber,
		StatusCode:    outcome.StatusCode,
		Success:       outcome.Status == eventstore.StatusDelivered,
	})
	s.locked = false
	return nil
}

type fakeBroker struct {
	scheduled []time.Time
}

func (b *fakeBroker) Enqueue(ctx context.Context, eventID string) error { return nil }
func (b *fakeBroker) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	return "", false, nil
}
func (b *fakeBroker) ScheduleRetry(ctx context.Context, eventID string, at time.Time) error {
	b.scheduled = append(b.scheduled, at)
	return nil
}
func (b *fakeBroker) PopDueRetries(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return nil, nil
}
func (b *fakeBroker) Allow(ctx context.Context, key string, rate, capacity, cost float64) (bool, error) {
	return true, nil
}

func newTestPool(t *testing.T, server *httptest.Server, store *fakeStore, b *fakeBroker) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DownstreamURL = server.URL
	cfg.DeliveryTimeout = time.Second
	claimSvc := claim.New(store, 30*time.Second)
	return New(cfg, b, claimSvc, store, server.Client(), zap.NewNop())
}

func TestProcessOne_HappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{event: eventstore.Event{ID: "evt-1", Data: map[string]interface{}{"order_id": float64(1)}}}
	b := &fakeBroker{}
	pool := newTestPool(t, server, store, b)

	pool.processOne(context.Background(), "evt-1")

	assert.Equal(t, eventstore.StatusDelivered, store.event.Status)
	assert.Equal(t, 1, store.event.AttemptCount)
	require.Len(t, store.event.DeliveryLogs, 1)
	assert.True(t, store.event.DeliveryLogs[0].Success)
	assert.Empty(t, b.scheduled)
}

func TestProcessOne_RetryThenSucceed(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{event: eventstore.Event{ID: "evt-1", Data: map[string]interface{}{}}}
	b := &fakeBroker{}
	pool := newTestPool(t, server, store, b)

	pool.processOne(context.Background(), "evt-1")
	assert.Equal(t, eventstore.StatusFailedTemporarily, store.event.Status)
	assert.Equal(t, 1, store.event.AttemptCount)
	require.NotNil(t, store.event.NextRetryAt)

	pool.processOne(context.Background(), "evt-1")
	assert.Equal(t, eventstore.StatusDelivered, store.event.Status)
	assert.Equal(t, 2, store.event.AttemptCount)
	require.Len(t, store.event.DeliveryLogs, 2)
	assert.False(t, store.event.DeliveryLogs[0].Success)
	assert.True(t, store.event.DeliveryLogs[1].Success)
	require.Len(t, b.scheduled, 1)
}

func TestProcessOne_RetryAfterHeaderHonored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	store := &fakeStore{event: eventstore.Event{ID: "evt-1", Data: map[string]interface{}{}}}
	b := &fakeBroker{}
	pool := newTestPool(t, server, store, b)

	before := time.Now()
	pool.processOne(context.Background(), "evt-1")

	assert.Equal(t, eventstore.StatusFailedTemporarily, store.event.Status)
	require.NotNil(t, store.event.NextRetryAt)
	assert.WithinDuration(t, before.Add(7*time.Second), *store.event.NextRetryAt, 2*time.Second)
	require.Len(t, b.scheduled, 1)
}

func TestProcessOne_PermanentOnNonRetriable4xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := &fakeStore{event: eventstore.Event{ID: "evt-1", Data: map[string]interface{}{}}}
	b := &fakeBroker{}
	pool := newTestPool(t, server, store, b)

	pool.processOne(context.Background(), "evt-1")

	assert.Equal(t, eventstore.StatusFailedPermanently, store.event.Status)
	assert.Nil(t, store.event.NextRetryAt)
	assert.Empty(t, b.scheduled)
}

func TestProcessOne_ExhaustsRetriesAfterFiveConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := &fakeStore{event: eventstore.Event{ID: "evt-1", Data: map[string]interface{}{}}}
	b := &fakeBroker{}
	pool := newTestPool(t, server, store, b)

	for i := 0; i < 5; i++ {
		pool.processOne(context.Background(), "evt-1")
	}

	assert.Equal(t, eventstore.StatusFailedPermanently, store.event.Status)
	assert.Equal(t, 5, store.event.AttemptCount)
	assert.Nil(t, store.event.NextRetryAt)
	require.Len(t, store.event.DeliveryLogs, 5)
	// Four scheduled retries (after attempts 1-4); the fifth is terminal.
	assert.Len(t, b.scheduled, 4)
}
