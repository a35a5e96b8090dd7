package apirouter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaywh/webhookd/internal/apierror"
	"github.com/relaywh/webhookd/internal/eventstore"
	"github.com/relaywh/webhookd/internal/ingest"
	"github.com/relaywh/webhookd/internal/query"
)

// WebhookHandlers groups the ingest, downstream-receive, and search
// endpoint handlers.
type WebhookHandlers struct {
	ingestor        *ingest.Ingestor
	query           *query.Service
	defaultPage     int
	defaultPageSize int
}

func NewWebhookHandlers(ingestor *ingest.Ingestor, querySvc *query.Service, defaultPage, defaultPageSize int) *WebhookHandlers {
	return &WebhookHandlers{ingestor: ingestor, query: querySvc, defaultPage: defaultPage, defaultPageSize: defaultPageSize}
}

// Ingest handles POST /api/v1/webhooks/ingest. HMACMiddleware has already
// verified the request and stashed the raw body and idempotency key.
func (h *WebhookHandlers) Ingest(c *gin.Context) {
	rawBody, _ := c.Get(rawBodyContextKey)
	idempotencyKey, _ := c.Get(idempotencyKeyContextKey)

	body, _ := rawBody.([]byte)
	key, _ := idempotencyKey.(string)

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		c.Error(apierror.BadRequest("request body must be a JSON object")) //nolint:errcheck
		return
	}

	event, err := h.ingestor.Ingest(c.Request.Context(), key, data)
	if err != nil {
		c.Error(err) //nolint:errcheck
		return
	}

	c.JSON(http.StatusCreated, success(http.StatusCreated, "Webhook ingested successfully!", gin.H{"id": event.ID}))
}

// DownstreamReceive handles POST /api/v1/webhooks/downstream/receive. Rate
// limiting is enforced upstream by RateLimitMiddleware.
func (h *WebhookHandlers) DownstreamReceive(c *gin.Context) {
	c.JSON(http.StatusOK, success(http.StatusOK, "Webhook received successfully!", nil))
}

// Search handles GET /api/v1/webhooks/search.
func (h *WebhookHandlers) Search(c *gin.Context) {
	params := query.Params{
		Page:     h.defaultPage,
		PageSize: h.defaultPageSize,
	}

	if v := c.Query("status"); v != "" {
		status := eventstore.Status(v)
		params.Status = &status
	}
	if v := c.Query("event_type"); v != "" {
		params.EventType = &v
	}
	if v := c.Query("timestamp_from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.Error(apierror.BadRequest("timestamp_from must be an ISO-8601 timestamp")) //nolint:errcheck
			return
		}
		params.TimestampFrom = &ts
	}
	if v := c.Query("timestamp_to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.Error(apierror.BadRequest("timestamp_to must be an ISO-8601 timestamp")) //nolint:errcheck
			return
		}
		params.TimestampTo = &ts
	}
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.Error(apierror.BadRequest("page must be a positive integer")) //nolint:errcheck
			return
		}
		params.Page = n
	}
	if v := c.Query("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.Error(apierror.BadRequest("page_size must be a positive integer")) //nolint:errcheck
			return
		}
		params.PageSize = n
	}

	result, err := h.query.Search(c.Request.Context(), params)
	if err != nil {
		c.Error(err) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, success(http.StatusOK, "Webhook events retrieved successfully!", result))
}

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
