package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves liveness and readiness. Readiness runs the critical
// registry; the informational registry is reported but never fails it.
type Handler struct {
	critical *Registry
	info     *Registry
	version  string
}

func NewHandler(critical, info *Registry, version string) *Handler {
	if info == nil {
		info = NewRegistry()
	}
	return &Handler{critical: critical, info: info, version: version}
}

// RegisterRoutes sets up /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Ready)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live handles GET /health/live
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.version})
}

// Ready handles GET /health/ready
func (h *Handler) Ready(c *gin.Context) {
	healthy, checks := h.critical.CheckAll(c.Request.Context())
	_, info := h.info.CheckAll(c.Request.Context())

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"version":   h.version,
		"checks":    checks,
		"providers": info,
	})
}
