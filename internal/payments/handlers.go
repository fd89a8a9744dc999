package payments

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
)

const maxPayloadBytes = 64 << 10

// Handler provides the Stripe webhook endpoint.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the webhook route. It must not sit behind bearer
// auth: Stripe authenticates with the payload signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		apperr.Write(c, apperr.Invalid("body", "unreadable"))
		return
	}
	res, err := h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			h.service.logger.Error("stripe webhook failed", "error", err)
		}
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
