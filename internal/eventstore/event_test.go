package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNewEvent_FreshEventMatchesInitialState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	data := map[string]interface{}{"order_id": float64(1), "event_type": "order.created"}

	ev := NewEvent("idem-1", data, now)

	assert.Equal(t, StatusReceived, ev.Status)
	assert.Equal(t, 0, ev.AttemptCount)
	assert.Nil(t, ev.LockedUntil)
	require.NotNil(t, ev.NextRetryAt)
	assert.Equal(t, now, *ev.NextRetryAt)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.Equal(t, "order.created", ev.EventType)
	assert.Empty(t, ev.DeliveryLogs)
}

func TestNewEvent_EachCallGetsItsOwnNextRetryPointer(t *testing.T) {
	// Two events built back to back must not share the same NextRetryAt
	// pointer or value.
	now1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now2 := now1.Add(time.Hour)

	ev1 := NewEvent("a", nil, now1)
	ev2 := NewEvent("b", nil, now2)

	require.NotSame(t, ev1.NextRetryAt, ev2.NextRetryAt)
	assert.Equal(t, now1, *ev1.NextRetryAt)
	assert.Equal(t, now2, *ev2.NextRetryAt)
}

func TestEventTypeFromData_MissingOrNonStringYieldsEmpty(t *testing.T) {
	assert.Equal(t, "", eventTypeFromData(map[string]interface{}{}))
	assert.Equal(t, "", eventTypeFromData(map[string]interface{}{"event_type": 123}))
	assert.Equal(t, "order.created", eventTypeFromData(map[string]interface{}{"event_type": "order.created"}))
}

func TestBuildMongoFilter_EmptyFilterYieldsEmptyQuery(t *testing.T) {
	q := buildMongoFilter(Filter{})
	assert.Empty(t, q)
}

func TestBuildMongoFilter_CombinesAllFields(t *testing.T) {
	status := StatusDelivered
	eventType := "order.created"
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	q := buildMongoFilter(Filter{Status: &status, EventType: &eventType, TimestampFrom: &from, TimestampTo: &to})

	assert.Equal(t, status, q["status"])
	assert.Equal(t, eventType, q["event_type"])
	rng, ok := q["received_at"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, from, rng["$gte"])
	assert.Equal(t, to, rng["$lte"])
}

func TestIdToString_ObjectIDRendersAsHex(t *testing.T) {
	oid := primitive.NewObjectID()
	assert.Equal(t, oid.Hex(), idToString(oid))
}

func TestNormalizeJSON_TreatsEquivalentNumericRepresentationsAsEqual(t *testing.T) {
	a := normalizeJSON(map[string]interface{}{"order_id": int32(1)})
	b := normalizeJSON(map[string]interface{}{"order_id": float64(1)})
	assert.Equal(t, a, b)
}
