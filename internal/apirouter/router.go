package apirouter

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/hmac"
	"github.com/relaywh/webhookd/internal/ingest"
	"github.com/relaywh/webhookd/internal/query"
	"github.com/relaywh/webhookd/internal/ratelimit"
)

// RouterConfig holds the CORS and pagination settings for the router.
type RouterConfig struct {
	GinMode         string
	AllowedOrigins  []string
	AllowedHeaders  []string
	AllowedMethods  []string
	DefaultPage     int
	DefaultPageSize int
}

// RouterDeps are the collaborators wired into the route handlers.
type RouterDeps struct {
	Authenticator *hmac.Authenticator
	Ingestor      *ingest.Ingestor
	Query         *query.Service
	DownstreamLimiter ratelimit.Limiter
	Logger        *zap.Logger
}

const downstreamRateLimitKey = "downstream"

func NewRouter(cfg RouterConfig, deps RouterDeps) http.Handler {
	if gin.Mode() != gin.TestMode && cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggerMiddleware(deps.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: cfg.AllowedMethods,
		AllowHeaders: cfg.AllowedHeaders,
	}))
	r.Use(ErrorHandlerMiddleware())

	r.GET("/health", Health)

	handlers := NewWebhookHandlers(deps.Ingestor, deps.Query, cfg.DefaultPage, cfg.DefaultPageSize)

	webhooks := r.Group("/api/v1/webhooks")
	webhooks.POST("/ingest", HMACMiddleware(deps.Authenticator), handlers.Ingest)
	webhooks.POST("/downstream/receive", RateLimitMiddleware(deps.DownstreamLimiter, downstreamRateLimitKey), handlers.DownstreamReceive)
	webhooks.GET("/search", handlers.Search)

	return r
}
