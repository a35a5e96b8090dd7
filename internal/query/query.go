// Package query is the read path: filtered, paginated event search plus
// aggregates computed over the filtered set.
package query

import (
	"context"
	"time"

	"github.com/relaywh/webhookd/internal/apierror"
	"github.com/relaywh/webhookd/internal/eventstore"
)

// Params are the accepted filters and pagination controls.
type Params struct {
	Status        *eventstore.Status
	EventType     *string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
	Page          int
	PageSize      int
}

// Result is the `{total_count, results: {events, aggregates}}` payload
// shape.
type Result struct {
	TotalCount int64                  `json:"total_count"`
	Results    ResultBody             `json:"results"`
}

type ResultBody struct {
	Events     []eventstore.Event   `json:"events"`
	Aggregates *eventstore.Aggregates `json:"aggregates"`
}

// Service executes search queries against the event store.
type Service struct {
	store              eventstore.Store
	defaultPage        int
	defaultPageSize    int
}

func New(store eventstore.Store, defaultPage, defaultPageSize int) *Service {
	return &Service{store: store, defaultPage: defaultPage, defaultPageSize: defaultPageSize}
}

// Search validates params and executes the filtered search plus aggregates.
func (s *Service) Search(ctx context.Context, params Params) (*Result, error) {
	if params.TimestampFrom != nil && params.TimestampTo != nil {
		if !params.TimestampFrom.Before(*params.TimestampTo) {
			return nil, apierror.BadRequest("timestamp_from must be before timestamp_to")
		}
	}

	page := params.Page
	if page < 1 {
		page = s.defaultPage
	}
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = s.defaultPageSize
	}

	filter := eventstore.Filter{
		Status:        params.Status,
		EventType:     params.EventType,
		TimestampFrom: params.TimestampFrom,
		TimestampTo:   params.TimestampTo,
	}

	events, total, err := s.store.Search(ctx, filter, page, pageSize)
	if err != nil {
		return nil, err
	}

	aggregates, err := s.store.Aggregate(ctx, filter)
	if err != nil {
		return nil, err
	}

	if events == nil {
		events = []eventstore.Event{}
	}

	return &Result{
		TotalCount: total,
		Results: ResultBody{
			Events:     events,
			Aggregates: aggregates,
		},
	}, nil
}
