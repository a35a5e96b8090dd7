// Package eventstore is the durable Event store, backed by MongoDB. It owns
// the sole persistent entity in the system: the Event, with its idempotency
// guarantee, its claim/lease protocol, and its terminal-state invariants.
package eventstore

import (
	"time"
)

// Status is the Event lifecycle state.
type Status string

const (
	StatusReceived           Status = "RECEIVED"
	StatusFailedTemporarily  Status = "FAILED_TEMPORARILY"
	StatusFailedPermanently  Status = "FAILED_PERMANENTLY"
	StatusDelivered          Status = "DELIVERED"
)

// DeliveryLog is one append-only attempt record.
type DeliveryLog struct {
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
	AttemptNumber int       `bson:"attempt_number" json:"attempt_number"`
	StatusCode    int       `bson:"status_code" json:"status_code"`
	Success       bool      `bson:"success" json:"success"`
}

// Event is the sole persistent entity in the system.
//
// ID is stored as the Mongo ObjectID's hex string everywhere outside of this
// package so callers never need to import the driver's bson types.
type Event struct {
	ID              string                 `bson:"-" json:"id"`
	IdempotencyKey  string                 `bson:"idempotency_key" json:"idempotency_key"`
	Data            map[string]interface{} `bson:"data" json:"data"`
	EventType       string                 `bson:"event_type,omitempty" json:"event_type,omitempty"`
	Status          Status                 `bson:"status" json:"status"`
	ReceivedAt      time.Time              `bson:"received_at" json:"received_at"`
	AttemptCount    int                    `bson:"attempt_count" json:"attempt_count"`
	NextRetryAt     *time.Time             `bson:"next_retry_at" json:"next_retry_at,omitempty"`
	LockedUntil     *time.Time             `bson:"locked_until" json:"locked_until,omitempty"`
	LockedBy        string                 `bson:"locked_by,omitempty" json:"locked_by,omitempty"`
	DeliveryLogs    []DeliveryLog          `bson:"delivery_logs" json:"delivery_logs"`
}

// eventTypeFromData derives event_type from data.event_type when present.
func eventTypeFromData(data map[string]interface{}) string {
	if v, ok := data["event_type"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// NewEvent constructs a fresh Event ready for insertion: status RECEIVED,
// next_retry_at = received_at (a fresh pointer per call, never a shared
// default), attempt_count 0, no lock, no delivery logs.
func NewEvent(idempotencyKey string, data map[string]interface{}, now time.Time) *Event {
	return &Event{
		IdempotencyKey: idempotencyKey,
		Data:           data,
		EventType:      eventTypeFromData(data),
		Status:         StatusReceived,
		ReceivedAt:     now,
		AttemptCount:   0,
		NextRetryAt:    &now,
		LockedUntil:    nil,
		DeliveryLogs:   []DeliveryLog{},
	}
}
