package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	Write(c, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestWrite_RateLimitedHidesScopeKey(t *testing.T) {
	w, body := write(t, Throttled("tenant_t1_sendWhatsapp", 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.EqualValues(t, 2, body["retryAfterSeconds"])
	assert.Equal(t, Message(RateLimited), body["message"])
	assert.NotContains(t, body, "detail")
	assert.NotContains(t, w.Body.String(), "tenant_t1")
}

func TestWrite_InsufficientCreditsCarriesAmounts(t *testing.T) {
	w, body := write(t, Insufficient(30, 10))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.EqualValues(t, 30, body["required"])
	assert.EqualValues(t, 10, body["available"])
}

func TestWrite_InternalNeverLeaksCause(t *testing.T) {
	w, body := write(t, errors.New("pq: relation documents does not exist"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, Internal.String(), body["error"])
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestWrite_InvalidArgumentNamesField(t *testing.T) {
	w, body := write(t, Invalid("companyName", "must be at least 2 characters"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "companyName", body["field"])
	assert.Equal(t, "must be at least 2 characters", body["detail"])
}
