package leads

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/metering"
)

// Handler provides HTTP endpoints for the lead actions.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up tenant-facing lead routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/leads/discover", h.Discover)
	r.POST("/leads/enrich", h.Enrich)
	r.GET("/leads/:id", h.GetLead)
}

// RegisterWebhookRoutes sets up the scraper callback. The group must be
// guarded by the webhook secret.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/enrichment", h.EnrichmentWebhook)
}

// Discover handles POST /leads/discover
func (h *Handler) Discover(c *gin.Context) {
	var req DiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	res, err := h.service.Discover(c.Request.Context(), auth.FromGin(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Enrich handles POST /leads/enrich
func (h *Handler) Enrich(c *gin.Context) {
	var req EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	res, err := h.service.Enrich(c.Request.Context(), auth.FromGin(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetLead handles GET /leads/:id
func (h *Handler) GetLead(c *gin.Context) {
	id := auth.FromGin(c)
	if err := metering.Authorize(id, true); err != nil {
		apperr.Write(c, err)
		return
	}
	l, err := Get(c.Request.Context(), h.service.meter.Store(), id.TenantID, c.Param("id"))
	if errors.Is(err, ErrLeadNotFound) {
		apperr.Write(c, apperr.NotFoundf("lead not found"))
		return
	}
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// EnrichmentWebhook handles POST /webhooks/enrichment
func (h *Handler) EnrichmentWebhook(c *gin.Context) {
	var ev WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	res, err := h.service.CompleteEnrichment(c.Request.Context(), ev)
	if err != nil {
		h.logger.Warn("enrichment webhook rejected", "run_id", ev.Resource.ID, "error", err)
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
