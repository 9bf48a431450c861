// Package httpapi exposes webhook ingestion and the operator queries over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sarathsp06/orderhook/internal/engine"
	"github.com/sarathsp06/orderhook/internal/logger"
	"github.com/sarathsp06/orderhook/internal/signature"
	"github.com/sarathsp06/orderhook/internal/webhooks"
)

// Engine is the webhook engine surface served over HTTP
type Engine interface {
	Verify(ctx context.Context, platform string, payload []byte, sig string) error
	Ingest(ctx context.Context, platform, eventType, orderID, locationID string, payload []byte) (*webhooks.WebhookEvent, error)
	GetWebhookStatus(ctx context.Context, id string) (*webhooks.WebhookEvent, error)
	GetLocationWebhooks(ctx context.Context, locationID string, status webhooks.EventStatus) ([]*webhooks.WebhookEvent, error)
	GetPlatformWebhooks(ctx context.Context, platform string, status webhooks.EventStatus) ([]*webhooks.WebhookEvent, error)
	GetWebhookStats(ctx context.Context) (*engine.Stats, error)
	GetQueueStatus(ctx context.Context) (*engine.QueueStatus, error)
	RetryFailedWebhooks(ctx context.Context, locationID string) (int, error)
	CleanupOldWebhooks(ctx context.Context, ageHours int) (int, error)
}

// envelope holds the routing fields every aggregator payload carries
type envelope struct {
	EventType  string `json:"event_type"`
	OrderID    string `json:"order_id"`
	LocationID string `json:"location_id"`
}

// Handler serves the webhook routes
type Handler struct {
	engine       Engine
	registry     *signature.Registry
	maxBodyBytes int64
	log          *slog.Logger
}

// NewHandler creates a handler. maxBodyBytes <= 0 disables the body limit.
func NewHandler(e Engine, registry *signature.Registry, maxBodyBytes int64) *Handler {
	return &Handler{
		engine:       e,
		registry:     registry,
		maxBodyBytes: maxBodyBytes,
		log:          logger.NewLogger("http-api"),
	}
}

// HealthCheck reports liveness
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReceiveWebhook verifies the raw body against the platform's signature
// header, then stores the event. It answers 202 once the event is stored.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	platform := strings.ToLower(c.Param("platform"))

	body := c.Request.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	// Unknown platforms fail verification the same way a bad signature does.
	header, _ := h.registry.HeaderName(platform)
	sig := ""
	if header != "" {
		sig = c.GetHeader(header)
	}
	if err := h.engine.Verify(c.Request.Context(), platform, payload, sig); err != nil {
		h.fail(c, err)
		return
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		respondError(c, http.StatusBadRequest, "payload is not a JSON object")
		return
	}

	event, err := h.engine.Ingest(c.Request.Context(), platform, env.EventType, env.OrderID, env.LocationID, payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, event)
}

// GetEvent returns one event
func (h *Handler) GetEvent(c *gin.Context) {
	event, err := h.engine.GetWebhookStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// ListLocationEvents lists a location's events, optionally by ?status=
func (h *Handler) ListLocationEvents(c *gin.Context) {
	events, err := h.engine.GetLocationWebhooks(c.Request.Context(), c.Param("locationID"), webhooks.EventStatus(c.Query("status")))
	if err != nil {
		h.fail(c, err)
		return
	}
	respondEvents(c, events)
}

// ListPlatformEvents lists a platform's events, optionally by ?status=
func (h *Handler) ListPlatformEvents(c *gin.Context) {
	platform := strings.ToLower(c.Param("platform"))
	events, err := h.engine.GetPlatformWebhooks(c.Request.Context(), platform, webhooks.EventStatus(c.Query("status")))
	if err != nil {
		h.fail(c, err)
		return
	}
	respondEvents(c, events)
}

// GetStats returns the fleet statistics
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.engine.GetWebhookStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetQueue returns the scheduling snapshot
func (h *Handler) GetQueue(c *gin.Context) {
	status, err := h.engine.GetQueueStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// RetryFailed replays failed events, optionally only at ?location_id=
func (h *Handler) RetryFailed(c *gin.Context) {
	locationID := c.Query("location_id")
	replayed, err := h.engine.RetryFailedWebhooks(c.Request.Context(), locationID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": replayed, "location_id": locationID})
}

// Cleanup deletes completed events older than ?age_hours=
func (h *Handler) Cleanup(c *gin.Context) {
	raw := c.Query("age_hours")
	if raw == "" {
		respondError(c, http.StatusBadRequest, "age_hours is required")
		return
	}
	ageHours, err := strconv.Atoi(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "age_hours must be an integer")
		return
	}
	deleted, err := h.engine.CleanupOldWebhooks(c.Request.Context(), ageHours)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "age_hours": ageHours})
}

// fail maps engine and store errors onto HTTP statuses
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, engine.ErrInvalidEvent), errors.Is(err, engine.ErrInvalidArgument):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhooks.ErrNotFound):
		respondError(c, http.StatusNotFound, "webhook event not found")
	case errors.Is(err, engine.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, "service is shutting down")
	default:
		h.log.Error("Request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func respondEvents(c *gin.Context, events []*webhooks.WebhookEvent) {
	if events == nil {
		events = []*webhooks.WebhookEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
