package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/pagination"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/validation"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ClassifyError maps ledger and tenant sentinels onto the public taxonomy.
func ClassifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEntryNotFound):
		return apperr.NotFoundf("credit transaction not found")
	case errors.Is(err, tenant.ErrTenantNotFound):
		return apperr.NotFoundf("tenant not found")
	case errors.Is(err, ErrAlreadyReversed):
		return apperr.Invalid("entryId", "already refunded")
	case errors.Is(err, ErrNotReversible):
		return apperr.Invalid("entryId", "only debits can be refunded")
	case errors.Is(err, ErrZeroAmount):
		return apperr.Invalid("amount", "must be non-zero")
	case errors.Is(err, ErrDuplicateEntry):
		return apperr.Invalid("idempotencyKey", "already used")
	}
	return err
}

// Handler provides HTTP endpoints for credit balances and history.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up tenant-facing credit routes. The group must run
// auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetCredits)
	r.GET("/credits/transactions", h.GetTransactions)
}

// RegisterOperatorRoutes sets up operator-only ledger routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/ledger/verify", h.Verify)
	r.POST("/refunds", h.Refund)
	r.POST("/adjustments", h.Adjust)
}

func tenantOf(c *gin.Context) (string, bool) {
	id := auth.FromGin(c)
	if !id.HasTenant() {
		apperr.Write(c, apperr.PermissionDeniedf("no organization"))
		return "", false
	}
	return id.TenantID, true
}

// GetCredits handles GET /credits
func (h *Handler) GetCredits(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	t, err := tenant.Get(c.Request.Context(), h.ledger.store, tenantID)
	if err != nil {
		apperr.Write(c, ClassifyError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":            t.CreditsBalance,
		"subscriptionStatus": t.SubscriptionStatus,
		"trialEndsAt":        t.TrialEndsAt,
		"usage":              t.UsageCurrent,
		"limits":             t.UsageLimits,
	})
}

// GetTransactions handles GET /credits/transactions?limit=&cursor=
func (h *Handler) GetTransactions(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			apperr.Write(c, apperr.Invalid("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, next, err := h.ledger.HistoryPage(c.Request.Context(), tenantID, c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		apperr.Write(c, apperr.Invalid("cursor", "invalid cursor"))
		return
	}
	if err != nil {
		apperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// Verify handles GET /tenants/:id/ledger/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.ledger.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Write(c, ClassifyError(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// RefundRequest reverses one debit.
type RefundRequest struct {
	EntryID string `json:"entryId"`
	Reason  string `json:"reason"`
}

// Refund handles POST /refunds. Refunding an already refunded entry
// returns the existing refund with 200.
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	if err := validation.Validate(
		validation.Required("entryId", req.EntryID),
		validation.Required("reason", req.Reason),
	).Err(); err != nil {
		apperr.Write(c, err)
		return
	}

	refund, err := h.ledger.Refund(c.Request.Context(), req.EntryID, "operator")
	if errors.Is(err, ErrAlreadyReversed) && refund != nil {
		c.JSON(http.StatusOK, gin.H{"status": "already_refunded", "refund": refund})
		return
	}
	if err != nil {
		apperr.Write(c, ClassifyError(err))
		return
	}
	h.logger.Info("operator refund", "entry_id", req.EntryID, "reason", req.Reason)
	c.JSON(http.StatusCreated, gin.H{"status": "refunded", "refund": refund})
}

// AdjustRequest posts a manual credit or debit.
type AdjustRequest struct {
	TenantID       string `json:"tenantId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
	Note           string `json:"note"`
}

// Adjust handles POST /adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Write(c, apperr.Invalid("body", "invalid JSON"))
		return
	}
	if err := validation.Validate(
		validation.Required("tenantId", req.TenantID),
		validation.Required("note", req.Note),
		validation.MaxLength("note", req.Note, 500),
	).Err(); err != nil {
		apperr.Write(c, err)
		return
	}

	entry, err := h.ledger.ApplyCreditDelta(c.Request.Context(), Delta{
		TenantID:       req.TenantID,
		Amount:         req.Amount,
		Reason:         ReasonAdjustment,
		ReferenceID:    validation.SanitizeString(req.Note, 500),
		ActorID:        "operator",
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		apperr.Write(c, ClassifyError(err))
		return
	}
	c.JSON(http.StatusCreated, entry)
}
