package delivery

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywh/webhookd/internal/eventstore"
)

var backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

func TestClassify_2xxIsDelivered(t *testing.T) {
	now := time.Now()
	outcome := classify(1, http.StatusOK, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusDelivered, outcome.Status)
	assert.Nil(t, outcome.NextRetryAt)
}

func TestClassify_MaxAttemptsReachedIsPermanentRegardlessOfStatus(t *testing.T) {
	now := time.Now()
	outcome := classify(5, http.StatusServiceUnavailable, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedPermanently, outcome.Status)
	assert.Nil(t, outcome.NextRetryAt)

	outcome = classify(5, http.StatusTooManyRequests, "10", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedPermanently, outcome.Status)
}

func TestClassify_429WithRetryAfterHonoursHeader(t *testing.T) {
	now := time.Now()
	outcome := classify(2, http.StatusTooManyRequests, "7", nil, false, 5, backoff, now)
	require.NotNil(t, outcome.NextRetryAt)
	assert.Equal(t, eventstore.StatusFailedTemporarily, outcome.Status)
	assert.WithinDuration(t, now.Add(7*time.Second), *outcome.NextRetryAt, time.Second)
}

func TestClassify_429WithoutHeaderFallsBackToBackoffSchedule(t *testing.T) {
	now := time.Now()
	outcome := classify(3, http.StatusTooManyRequests, "", nil, false, 5, backoff, now)
	require.NotNil(t, outcome.NextRetryAt)
	assert.WithinDuration(t, now.Add(backoff[2]), *outcome.NextRetryAt, time.Second)
}

func TestClassify_429WithMalformedRetryAfterFallsBackToBackoffSchedule(t *testing.T) {
	now := time.Now()
	outcome := classify(1, http.StatusTooManyRequests, "not-a-number", nil, false, 5, backoff, now)
	require.NotNil(t, outcome.NextRetryAt)
	assert.WithinDuration(t, now.Add(backoff[0]), *outcome.NextRetryAt, time.Second)
}

func TestClassify_5xxIsTemporaryWithBackoff(t *testing.T) {
	now := time.Now()
	outcome := classify(2, http.StatusBadGateway, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedTemporarily, outcome.Status)
	require.NotNil(t, outcome.NextRetryAt)
	assert.WithinDuration(t, now.Add(backoff[1]), *outcome.NextRetryAt, time.Second)
}

func TestClassify_TimeoutIsSyntheticGatewayTimeoutAndTemporary(t *testing.T) {
	now := time.Now()
	outcome := classify(1, 0, "", errors.New("context deadline exceeded"), true, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedTemporarily, outcome.Status)
	assert.Equal(t, http.StatusGatewayTimeout, outcome.StatusCode)
}

func TestClassify_TransportErrorIsSyntheticInternalErrorAndTemporary(t *testing.T) {
	now := time.Now()
	outcome := classify(1, 0, "", errors.New("connection refused"), false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedTemporarily, outcome.Status)
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
}

func TestClassify_4xxOtherThan429IsPermanent(t *testing.T) {
	now := time.Now()
	outcome := classify(1, http.StatusBadRequest, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedPermanently, outcome.Status)
	assert.Nil(t, outcome.NextRetryAt)
}

func TestClassify_DeliveryLogSuccessMirrorsFinalStatus(t *testing.T) {
	// RecordOutcome derives DeliveryLog.Success as Status == StatusDelivered,
	// so the classified status is what decides the log's success flag.
	now := time.Now()
	delivered := classify(1, http.StatusCreated, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusDelivered, delivered.Status)

	failed := classify(1, http.StatusInternalServerError, "", nil, false, 5, backoff, now)
	assert.Equal(t, eventstore.StatusFailedTemporarily, failed.Status)
}
