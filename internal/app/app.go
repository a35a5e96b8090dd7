// Package app builds the dependency graph shared by the API, worker, and
// combined entrypoints, so each cmd/ binary differs only in which pieces it
// runs and how it shuts them down.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/relaywh/webhookd/internal/apirouter"
	"github.com/relaywh/webhookd/internal/bootstrap"
	"github.com/relaywh/webhookd/internal/broker"
	"github.com/relaywh/webhookd/internal/claim"
	"github.com/relaywh/webhookd/internal/delivery"
	"github.com/relaywh/webhookd/internal/eventstore"
	"github.com/relaywh/webhookd/internal/hmac"
	"github.com/relaywh/webhookd/internal/ingest"
	"github.com/relaywh/webhookd/internal/query"
	"github.com/relaywh/webhookd/internal/ratelimit"
	"github.com/relaywh/webhookd/internal/retryscheduler"
)

// taskLockedSeconds bounds how long a claimed event stays locked before
// another worker may reclaim it.
const taskLockedSeconds = 30 * time.Second

// BuildHTTPServer assembles the inbound HTTP API (ingest, downstream
// receive, search, health) bound to rt's store and broker. It ensures the
// store's indexes exist before returning.
func BuildHTTPServer(ctx context.Context, rt *bootstrap.Runtime) (*http.Server, error) {
	cfg := rt.Config
	store := eventstore.New(rt.MongoDB)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	b := broker.New(rt.RedisClient)
	auth := hmac.New(cfg.SecretKey, time.Duration(cfg.TimestampToleranceSeconds)*time.Second)
	ingestor := ingest.New(store, b, rt.Logger)
	querySvc := query.New(store, cfg.DefaultPage, cfg.PageSize)
	// Downstream receive is limited to 3 requests/second with a burst of 3.
	downstreamLimiter := ratelimit.New(b, 3, 3)

	handler := apirouter.NewRouter(apirouter.RouterConfig{
		GinMode:         ginMode(cfg.Debug),
		AllowedOrigins:  splitCSV(cfg.AllowedOrigins),
		AllowedHeaders:  splitCSV(cfg.AllowedHeaders),
		AllowedMethods:  splitCSV(cfg.AllowedMethods),
		DefaultPage:     cfg.DefaultPage,
		DefaultPageSize: cfg.PageSize,
	}, apirouter.RouterDeps{
		Authenticator:     auth,
		Ingestor:          ingestor,
		Query:             querySvc,
		DownstreamLimiter: downstreamLimiter,
		Logger:            rt.Logger,
	})

	return &http.Server{Addr: ":8000", Handler: handler}, nil
}

// BuildWorker assembles the delivery worker pool and the retry scheduler
// sharing rt's store and broker.
func BuildWorker(rt *bootstrap.Runtime) (*delivery.Pool, *retryscheduler.Scheduler) {
	cfg := rt.Config
	store := eventstore.New(rt.MongoDB)
	b := broker.New(rt.RedisClient)

	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.Concurrency = cfg.ConcurrentWorkers
	deliveryCfg.DownstreamURL = cfg.DownstreamURL()

	claimSvc := claim.New(store, taskLockedSeconds)
	pool := delivery.New(deliveryCfg, b, claimSvc, store, nil, rt.Logger)
	scheduler := retryscheduler.New(retryscheduler.DefaultConfig(), b, store, rt.Logger)
	return pool, scheduler
}

func ginMode(debug bool) string {
	if debug {
		return "debug"
	}
	return "release"
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
