package apperr

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/logging"
)

// Write renders err as a JSON error response. Internal errors are logged
// and reported with the generic message only.
func Write(c *gin.Context, err error) {
	e := As(err)
	body := gin.H{
		"error":   e.Kind.String(),
		"message": Message(e.Kind),
	}

	switch e.Kind {
	case Internal:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	case InsufficientCredits:
		body["required"] = e.Required
		body["available"] = e.Available
	case MonthlyLimitReached, DailyLimitReached, PreviewLimitReached:
		body["limit"] = e.Limit
	case InvalidArgument:
		if e.Field != "" {
			body["field"] = e.Field
		}
	case RateLimited:
		if e.RetryAfter > 0 {
			secs := int(math.Ceil(e.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			body["retryAfterSeconds"] = secs
		}
		logging.L(c.Request.Context()).Info("rate limited", "key", e.Detail, "retry_after", e.RetryAfter)
	case Unavailable:
		logging.L(c.Request.Context()).Warn("upstream unavailable", slog.String("service", e.Detail), "error", err)
	}
	if e.Kind != Internal && e.Kind != Unavailable && e.Kind != RateLimited && e.Detail != "" {
		body["detail"] = e.Detail
	}

	c.AbortWithStatusJSON(HTTPStatus(e.Kind), body)
}
