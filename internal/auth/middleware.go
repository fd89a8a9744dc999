package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/logging"
)

// ContextKeyIdentity is the gin context key holding the caller Identity.
const ContextKeyIdentity = "identity"

// Middleware parses a bearer token if present. Invalid or missing tokens do
// not abort; actions reject unauthenticated callers themselves.
func Middleware(is *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if token, ok := strings.CutPrefix(raw, "Bearer "); ok && token != "" {
			id, err := is.Parse(token)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
				if id.TenantID != "" {
					c.Request = c.Request.WithContext(logging.WithTenant(c.Request.Context(), id.TenantID))
				}
			} else {
				logging.L(c.Request.Context()).Debug("rejected bearer token", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !FromGin(c).Authenticated() {
			apperr.Write(c, apperr.ErrUnauthenticated)
			return
		}
		c.Next()
	}
}

// RequireSecret guards operator endpoints with a shared secret header.
// An empty secret disables the routes entirely.
func RequireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			apperr.Write(c, apperr.PermissionDeniedf("operator endpoints disabled"))
			return
		}
		got := c.GetHeader(header)
		if got == "" {
			apperr.Write(c, apperr.ErrUnauthenticated)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			apperr.Write(c, apperr.ErrPermissionDenied)
			return
		}
		c.Next()
	}
}

// FromGin returns the caller identity with the client IP filled in. The
// zero Identity (unauthenticated) is returned when no token was accepted.
func FromGin(c *gin.Context) Identity {
	var id Identity
	if v, ok := c.Get(ContextKeyIdentity); ok {
		id, _ = v.(Identity)
	}
	id.IP = c.ClientIP()
	return id
}
