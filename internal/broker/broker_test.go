package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywh/webhookd/internal/broker"
)

func newTestBroker(t *testing.T) (broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return broker.New(client), mr
}

func TestEnqueueDequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "event-1"))

	id, ok, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "event-1", id)
}

func TestDequeueTimesOutWithoutError(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, ok, err := b.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleRetryAndPopDue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, b.ScheduleRetry(ctx, "future-event", now.Add(time.Hour)))
	require.NoError(t, b.ScheduleRetry(ctx, "due-event", now.Add(-time.Minute)))

	due, err := b.PopDueRetries(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-event"}, due)

	// Popped entries are removed; a second pop at the same time returns none.
	due, err = b.PopDueRetries(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// The future entry is still pending.
	due, err = b.PopDueRetries(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"future-event"}, due)
}

func TestAllowTokenBucket(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	key := broker.RateLimitKey("test")

	// Capacity 2, refill rate effectively irrelevant within this burst.
	allowed, err := b.Allow(ctx, key, 1, 2, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = b.Allow(ctx, key, 1, 2, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Bucket exhausted.
	allowed, err = b.Allow(ctx, key, 1, 2, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}
