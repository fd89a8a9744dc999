package messaging

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/metering"
)

// Handler provides HTTP endpoints for messaging.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up messaging routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/messages/whatsapp", h.SendWhatsApp)
	r.GET("/interactions/:id", h.GetInteraction)
}

// SendWhatsApp handles POST /messages/whatsapp
func (h *Handler) SendWhatsApp(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	res, err := h.service.Send(c.Request.Context(), auth.FromGin(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetInteraction handles GET /interactions/:id
func (h *Handler) GetInteraction(c *gin.Context) {
	id := auth.FromGin(c)
	if err := metering.Authorize(id, true); err != nil {
		apperr.Write(c, err)
		return
	}
	in, err := Get(c.Request.Context(), h.service.meter.Store(), id.TenantID, c.Param("id"))
	if errors.Is(err, ErrInteractionNotFound) {
		apperr.Write(c, apperr.NotFoundf("interaction not found"))
		return
	}
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}
