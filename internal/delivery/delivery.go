// Package delivery is the worker pool: a receive loop pops event ids off the
// broker and runs up to Concurrency deliveries at once, each of which claims
// the event, delivers it downstream, classifies the outcome, and persists it.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/broker"
	"github.com/relaywh/webhookd/internal/claim"
	"github.com/relaywh/webhookd/internal/eventstore"
)

// Config holds the worker pool's tunable constants.
type Config struct {
	Concurrency      int
	DownstreamURL    string
	DeliveryTimeout  time.Duration
	MaxRetryAttempts int
	Backoff          []time.Duration
	PollTimeout      time.Duration
}

// DefaultConfig returns the baseline tuning; Concurrency and DownstreamURL
// are typically overridden from environment-driven configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      10,
		DeliveryTimeout:  3 * time.Second,
		MaxRetryAttempts: 5,
		Backoff: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		},
		PollTimeout: 1 * time.Second,
	}
}

// Pool is the bounded-concurrency delivery worker pool.
type Pool struct {
	cfg    Config
	broker broker.Broker
	claim  *claim.Service
	store  eventstore.Store
	client *http.Client
	log    *zap.Logger
}

func New(cfg Config, b broker.Broker, claimSvc *claim.Service, store eventstore.Store, client *http.Client, log *zap.Logger) *Pool {
	if client == nil {
		client = &http.Client{Timeout: cfg.DeliveryTimeout}
	}
	return &Pool{cfg: cfg, broker: b, claim: claimSvc, store: store, client: client, log: log}
}

// Run drives the pool until ctx is cancelled, then drains in-flight
// deliveries before returning.
func (p *Pool) Run(ctx context.Context) error {
	sem := make(chan struct{}, p.cfg.Concurrency)

recvLoop:
	for {
		select {
		case <-ctx.Done():
			break recvLoop
		default:
		}

		id, ok, err := p.broker.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break recvLoop
			}
			p.log.Error("delivery pool: dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break recvLoop
		}

		go func(eventID string) {
			defer func() { <-sem }()
			// Deliveries use their own background context: cancellation
			// here only stops new work from being picked up. An in-flight
			// attempt is allowed to finish rather than being torn down
			// mid-request, and simply remains locked if it doesn't.
			p.processOne(context.Background(), eventID)
		}(id)
	}

	for n := 0; n < p.cfg.Concurrency; n++ {
		sem <- struct{}{}
	}
	return nil
}

func (p *Pool) processOne(ctx context.Context, eventID string) {
	now := time.Now().UTC()

	event, err := p.claim.Claim(ctx, eventID, now)
	if err != nil {
		p.log.Error("delivery pool: claim failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	if event == nil {
		// Another worker owns it, or it isn't due yet.
		return
	}

	statusCode, retryAfter, deliveryErr, timedOut := p.deliver(ctx, event)
	attemptNumber := event.AttemptCount + 1

	outcome := classify(attemptNumber, statusCode, retryAfter, deliveryErr, timedOut, p.cfg.MaxRetryAttempts, p.cfg.Backoff, now)

	if err := p.store.RecordOutcome(ctx, event.ID, outcome); err != nil {
		// Leave it locked; the lease will expire and the event re-enters
		// via claim scan.
		p.log.Error("delivery pool: failed to record outcome", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	if outcome.Status == eventstore.StatusFailedTemporarily && outcome.NextRetryAt != nil {
		if err := p.broker.ScheduleRetry(ctx, event.ID, *outcome.NextRetryAt); err != nil {
			p.log.Warn("delivery pool: failed to schedule retry; relying on scan fallback",
				zap.String("event_id", event.ID), zap.Error(err))
		}
	}
}

// deliver POSTs event.Data to the configured downstream URL. statusCode is
// 0 when the request never produced a response (timeout or transport
// error); timedOut distinguishes the former from a generic transport
// failure.
func (p *Pool) deliver(ctx context.Context, event *eventstore.Event) (statusCode int, retryAfter string, deliveryErr error, timedOut bool) {
	body, err := json.Marshal(event.Data)
	if err != nil {
		return 0, "", err, false
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.DownstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, "", err, true
		}
		return 0, "", err, false
	}
	defer resp.Body.Close()

	return resp.StatusCode, resp.Header.Get("Retry-After"), nil, false
}

// classify maps a delivery attempt's result to a terminal or retriable
// outcome.
func classify(attemptNumber, statusCode int, retryAfter string, deliveryErr error, timedOut bool, maxAttempts int, backoff []time.Duration, now time.Time) eventstore.Outcome {
	if deliveryErr == nil && statusCode >= 200 && statusCode < 300 {
		return eventstore.Outcome{
			Status:        eventstore.StatusDelivered,
			AttemptNumber: attemptNumber,
			StatusCode:    statusCode,
			NextRetryAt:   nil,
		}
	}

	if attemptNumber >= maxAttempts {
		return eventstore.Outcome{
			Status:        eventstore.StatusFailedPermanently,
			AttemptNumber: attemptNumber,
			StatusCode:    statusCode,
			NextRetryAt:   nil,
		}
	}

	if statusCode == http.StatusTooManyRequests {
		if seconds, ok := parseRetryAfter(retryAfter); ok {
			next := now.Add(time.Duration(seconds) * time.Second)
			return eventstore.Outcome{
				Status:        eventstore.StatusFailedTemporarily,
				AttemptNumber: attemptNumber,
				StatusCode:    statusCode,
				NextRetryAt:   &next,
			}
		}
		return temporaryWithBackoff(attemptNumber, statusCode, backoff, now)
	}

	// 5xx, timeout (synthetic 504), or any transport exception (synthetic
	// 500) are all retriable.
	if statusCode >= 500 || timedOut || (deliveryErr != nil && statusCode == 0) {
		effectiveCode := statusCode
		if effectiveCode == 0 {
			if timedOut {
				effectiveCode = http.StatusGatewayTimeout
			} else {
				effectiveCode = http.StatusInternalServerError
			}
		}
		return temporaryWithBackoff(attemptNumber, effectiveCode, backoff, now)
	}

	// Any other 4xx is not retriable.
	return eventstore.Outcome{
		Status:        eventstore.StatusFailedPermanently,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		NextRetryAt:   nil,
	}
}

func temporaryWithBackoff(attemptNumber, statusCode int, backoff []time.Duration, now time.Time) eventstore.Outcome {
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	next := now.Add(backoff[idx])
	return eventstore.Outcome{
		Status:        eventstore.StatusFailedTemporarily,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		NextRetryAt:   &next,
	}
}

func parseRetryAfter(header string) (int, bool) {
	if header == "" {
		return 0, false
	}
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
