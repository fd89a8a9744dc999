package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
	timer  *Timer
}

func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// WithTimer lets GET /reconcile report the last scheduled sweep.
func (h *Handler) WithTimer(t *Timer) *Handler {
	h.timer = t
	return h
}

// RegisterOperatorRoutes sets up the trigger. The group must be guarded by
// the operator secret.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Trigger)
	r.GET("/reconcile", h.Last)
}

// Trigger handles POST /reconcile
func (h *Handler) Trigger(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apperr.Write(c, apperr.InternalError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Last handles GET /reconcile
func (h *Handler) Last(c *gin.Context) {
	var report *Report
	running := false
	if h.timer != nil {
		report = h.timer.Last()
		running = h.timer.Running()
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "scheduled": running})
}
