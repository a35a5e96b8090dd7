package eventstore

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaywh/webhookd/internal/apierror"
)

const collectionName = "webhook_events"

// Store is the durable Event store contract: a single collection with a
// unique index on idempotency_key and a compound index supporting claim
// scans, offering conditional update-and-return-post-image.
type Store interface {
	EnsureIndexes(ctx context.Context) error

	// Insert persists a fresh event, resolving idempotency: a uniqueness
	// violation on idempotency_key loads the existing row instead of
	// erroring, unless the payload differs. inserted reports whether this
	// call created a new row (false means an existing event with the same
	// idempotency key was returned).
	Insert(ctx context.Context, event *Event) (result *Event, inserted bool, err error)

	// Get retrieves a single event by id. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Event, error)

	// Claim atomically grants a lease on an eligible event, stamping it
	// with a freshly generated owner token for diagnosability. Returns
	// nil, nil if no matching document exists.
	Claim(ctx context.Context, id string, now time.Time, leaseDuration time.Duration) (*Event, error)

	// RecordOutcome persists the result of a delivery attempt in one
	// update: status, cleared lock, next_retry_at, incremented
	// attempt_count, and an appended delivery log.
	RecordOutcome(ctx context.Context, id string, outcome Outcome) error

	// Search returns events matching filter, paginated, plus the total
	// count of the filtered set.
	Search(ctx context.Context, filter Filter, page, pageSize int) (events []Event, total int64, err error)

	// Aggregate computes count-by-status, count-by-event-type, and the
	// hourly histogram over the filtered set, independent of pagination.
	Aggregate(ctx context.Context, filter Filter) (*Aggregates, error)

	// ScanDue lists ids of events eligible for immediate delivery that may
	// have been lost from the broker's ready-queue/delayed-retry set.
	ScanDue(ctx context.Context, now time.Time) ([]string, error)
}

// Outcome is the result of one delivery attempt, written by RecordOutcome.
type Outcome struct {
	Status        Status
	AttemptNumber int
	StatusCode    int
	NextRetryAt   *time.Time
}

// Filter is the query/aggregate filter set.
type Filter struct {
	Status        *Status
	EventType     *string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
}

// Aggregates is the aggregate payload.
type Aggregates struct {
	CountByStatus    map[string]int64 `json:"count_by_status"`
	CountByEventType map[string]int64 `json:"count_by_event_type"`
	HourlyHistogram  []HistogramBucket `json:"hourly_histogram"`
}

// HistogramBucket is one ascending-time bucket in the hourly histogram.
type HistogramBucket struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

type mongoStore struct {
	collection *mongo.Collection
}

// New wraps an already-connected *mongo.Database into a Store.
func New(db *mongo.Database) Store {
	return &mongoStore{collection: db.Collection(collectionName)}
}

func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Supports claim scans: status ∈ {...} ∧ next_retry_at ≤ now ∧
			// (locked_until IS NULL OR locked_until ≤ now), ordered by
			// received_at for the oldest-first tie-break.
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_retry_at", Value: 1},
				{Key: "locked_until", Value: 1},
				{Key: "received_at", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("eventstore: failed to create indexes: %w", err)
	}
	return nil
}

type document struct {
	ID             interface{}            `bson:"_id,omitempty"`
	IdempotencyKey string                 `bson:"idempotency_key"`
	Data           map[string]interface{} `bson:"data"`
	EventType      string                 `bson:"event_type,omitempty"`
	Status         Status                 `bson:"status"`
	ReceivedAt     time.Time              `bson:"received_at"`
	AttemptCount   int                    `bson:"attempt_count"`
	NextRetryAt    *time.Time             `bson:"next_retry_at"`
	LockedUntil    *time.Time             `bson:"locked_until"`
	LockedBy       string                 `bson:"locked_by,omitempty"`
	DeliveryLogs   []DeliveryLog          `bson:"delivery_logs"`
}

func toDocument(e *Event) document {
	return document{
		IdempotencyKey: e.IdempotencyKey,
		Data:           e.Data,
		EventType:      e.EventType,
		Status:         e.Status,
		ReceivedAt:     e.ReceivedAt,
		AttemptCount:   e.AttemptCount,
		NextRetryAt:    e.NextRetryAt,
		LockedUntil:    e.LockedUntil,
		LockedBy:       e.LockedBy,
		DeliveryLogs:   e.DeliveryLogs,
	}
}

func fromDocument(d document) *Event {
	return &Event{
		ID:             idToString(d.ID),
		IdempotencyKey: d.IdempotencyKey,
		Data:           d.Data,
		EventType:      d.EventType,
		Status:         d.Status,
		ReceivedAt:     d.ReceivedAt,
		AttemptCount:   d.AttemptCount,
		NextRetryAt:    d.NextRetryAt,
		LockedUntil:    d.LockedUntil,
		LockedBy:       d.LockedBy,
		DeliveryLogs:   d.DeliveryLogs,
	}
}

func idToString(id interface{}) string {
	if oid, ok := id.(interface{ Hex() string }); ok {
		return oid.Hex()
	}
	return fmt.Sprintf("%v", id)
}

func (s *mongoStore) Insert(ctx context.Context, event *Event) (*Event, bool, error) {
	doc := toDocument(event)
	res, err := s.collection.InsertOne(ctx, doc)
	if err == nil {
		event.ID = idToString(res.InsertedID)
		return event, true, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, apierror.Wrap(apierror.KindServiceUnavailable, "event store write failed", err)
	}

	// idempotency_key already exists. Load the existing row and compare
	// payloads structurally.
	existing, getErr := s.getByIdempotencyKey(ctx, event.IdempotencyKey)
	if getErr != nil {
		return nil, false, getErr
	}
	if existing == nil {
		// Lost the race to read back our own conflict; surface as
		// service-unavailable rather than fabricating a row.
		return nil, false, apierror.ServiceUnavailable("event store inconsistency on idempotency conflict", err)
	}
	if !reflect.DeepEqual(normalizeJSON(existing.Data), normalizeJSON(event.Data)) {
		return nil, false, apierror.BadRequest("idempotency key reused with a different payload")
	}
	return existing, false, nil
}

func (s *mongoStore) getByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"idempotency_key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "event store read failed", err)
	}
	return fromDocument(doc), nil
}

func (s *mongoStore) Get(ctx context.Context, id string) (*Event, error) {
	oid, err := objectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc document
	err = s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "event store read failed", err)
	}
	return fromDocument(doc), nil
}

// Claim is a single FindOneAndUpdate: the filter encodes all four
// eligibility conditions, and the lease is granted atomically by the
// update. This is the sole mechanism enforcing at-most-one in-flight
// worker per event.
func (s *mongoStore) Claim(ctx context.Context, id string, now time.Time, leaseDuration time.Duration) (*Event, error) {
	oid, err := objectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	filter := bson.M{
		"_id": oid,
		"status": bson.M{"$in": []Status{StatusReceived, StatusFailedTemporarily}},
		"next_retry_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"locked_until": nil},
			{"locked_until": bson.M{"$lte": now}},
		},
	}
	leaseUntil := now.Add(leaseDuration)
	owner := uuid.New().String()
	update := bson.M{"$set": bson.M{"locked_until": leaseUntil, "locked_by": owner}}

	var doc document
	err = s.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "locked_until", Value: 1}, {Key: "received_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "claim failed", err)
	}
	return fromDocument(doc), nil
}

// RecordOutcome is a single update setting status, clearing the lease,
// setting next_retry_at (null for terminal states), bumping attempt_count,
// and appending a delivery log.
func (s *mongoStore) RecordOutcome(ctx context.Context, id string, outcome Outcome) error {
	oid, err := objectIDFromHex(id)
	if err != nil {
		return apierror.BadRequest("invalid event id")
	}

	log := DeliveryLog{
		Timestamp:     time.Now().UTC(),
		AttemptNumber: outcome.AttemptNumber,
		StatusCode:    outcome.StatusCode,
		Success:       outcome.Status == StatusDelivered,
	}

	update := bson.M{
		"$set": bson.M{
			"status":         outcome.Status,
			"locked_until":   nil,
			"locked_by":      "",
			"next_retry_at":  outcome.NextRetryAt,
			"attempt_count":  outcome.AttemptNumber,
		},
		"$push": bson.M{"delivery_logs": log},
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return apierror.Wrap(apierror.KindServiceUnavailable, "failed to record delivery outcome", err)
	}
	if res.MatchedCount == 0 {
		return apierror.New(apierror.KindNotFound, "event not found")
	}
	return nil
}

func buildMongoFilter(f Filter) bson.M {
	query := bson.M{}
	if f.Status != nil {
		query["status"] = *f.Status
	}
	if f.EventType != nil {
		query["event_type"] = *f.EventType
	}
	if f.TimestampFrom != nil || f.TimestampTo != nil {
		rng := bson.M{}
		if f.TimestampFrom != nil {
			rng["$gte"] = *f.TimestampFrom
		}
		if f.TimestampTo != nil {
			rng["$lte"] = *f.TimestampTo
		}
		query["received_at"] = rng
	}
	return query
}

func (s *mongoStore) Search(ctx context.Context, filter Filter, page, pageSize int) ([]Event, int64, error) {
	query := buildMongoFilter(filter)

	total, err := s.collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, apierror.Wrap(apierror.KindServiceUnavailable, "failed to count events", err)
	}

	skip := int64((page - 1) * pageSize)
	cur, err := s.collection.Find(ctx, query,
		options.Find().
			SetSort(bson.D{{Key: "received_at", Value: -1}}).
			SetSkip(skip).
			SetLimit(int64(pageSize)),
	)
	if err != nil {
		return nil, 0, apierror.Wrap(apierror.KindServiceUnavailable, "failed to search events", err)
	}
	defer cur.Close(ctx)

	var events []Event
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, apierror.Wrap(apierror.KindServiceUnavailable, "failed to decode event", err)
		}
		events = append(events, *fromDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, 0, apierror.Wrap(apierror.KindServiceUnavailable, "failed to iterate events", err)
	}
	return events, total, nil
}

// Aggregate computes all three aggregates in a single pipeline using
// $facet so the filtered set is only scanned once.
func (s *mongoStore) Aggregate(ctx context.Context, filter Filter) (*Aggregates, error) {
	query := buildMongoFilter(filter)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: query}},
		{{Key: "$facet", Value: bson.M{
			"count_by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
			},
			"count_by_event_type": bson.A{
				bson.M{"$group": bson.M{"_id": "$event_type", "count": bson.M{"$sum": 1}}},
			},
			"hourly_histogram": bson.A{
				bson.M{"$group": bson.M{
					"_id":   bson.M{"$dateTrunc": bson.M{"date": "$received_at", "unit": "hour"}},
					"count": bson.M{"$sum": 1},
				}},
				bson.M{"$sort": bson.M{"_id": 1}},
			},
		}}},
	}

	cur, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "aggregation failed", err)
	}
	defer cur.Close(ctx)

	type facetResult struct {
		CountByStatus []struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		} `bson:"count_by_status"`
		CountByEventType []struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		} `bson:"count_by_event_type"`
		HourlyHistogram []struct {
			ID    time.Time `bson:"_id"`
			Count int64     `bson:"count"`
		} `bson:"hourly_histogram"`
	}

	agg := &Aggregates{
		CountByStatus:    map[string]int64{},
		CountByEventType: map[string]int64{},
		HourlyHistogram:  []HistogramBucket{},
	}

	if cur.Next(ctx) {
		var res facetResult
		if err := cur.Decode(&res); err != nil {
			return nil, apierror.Wrap(apierror.KindServiceUnavailable, "failed to decode aggregates", err)
		}
		for _, b := range res.CountByStatus {
			agg.CountByStatus[b.ID] = b.Count
		}
		for _, b := range res.CountByEventType {
			if b.ID == "" {
				continue
			}
			agg.CountByEventType[b.ID] = b.Count
		}
		for _, b := range res.HourlyHistogram {
			agg.HourlyHistogram = append(agg.HourlyHistogram, HistogramBucket{Hour: b.ID, Count: b.Count})
		}
	}
	return agg, nil
}

// ScanDue self-heals lost broker references: any store event that is due
// and not locked should be re-publishable regardless of whether the broker
// still has a reference to it.
func (s *mongoStore) ScanDue(ctx context.Context, now time.Time) ([]string, error) {
	query := bson.M{
		"status":        bson.M{"$in": []Status{StatusReceived, StatusFailedTemporarily}},
		"next_retry_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"locked_until": nil},
			{"locked_until": bson.M{"$lte": now}},
		},
	}
	cur, err := s.collection.Find(ctx, query, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindServiceUnavailable, "scan fallback failed", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID interface{} `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		ids = append(ids, idToString(doc.ID))
	}
	return ids, cur.Err()
}

// normalizeJSON round-trips a value through bson-decoded map shape so
// comparisons between a freshly-decoded existing.Data and an
// application-constructed incoming.Data aren't tripped up by numeric-type
// differences (e.g. int vs int32 vs float64).
func normalizeJSON(v map[string]interface{}) map[string]interface{} {
	b, err := bson.Marshal(bson.M(v))
	if err != nil {
		return v
	}
	// Decode every BSON integer as float64, the way encoding/json decodes
	// JSON numbers, so int32/int64/double encodings of one value match.
	reg := bson.NewRegistry()
	reg.RegisterTypeMapEntry(bsontype.Int32, reflect.TypeOf(float64(0)))
	reg.RegisterTypeMapEntry(bsontype.Int64, reflect.TypeOf(float64(0)))
	var out map[string]interface{}
	if err := bson.UnmarshalWithRegistry(reg, b, &out); err != nil {
		return v
	}
	return out
}
