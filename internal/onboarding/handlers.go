package onboarding

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
)

// Handler provides HTTP endpoints for onboarding.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up onboarding routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.POST("/trial/activate", h.ActivateTrial)
}

// CreateTenant handles POST /tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	res, err := h.service.CreateTenant(c.Request.Context(), auth.FromGin(c), req)
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ActivateTrial handles POST /trial/activate
func (h *Handler) ActivateTrial(c *gin.Context) {
	res, err := h.service.ActivateTrial(c.Request.Context(), auth.FromGin(c))
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
