// Package auth turns a signed bearer token into the caller identity every
// billable action is authorised against.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
)

// Identity is the authenticated caller. TenantID and Role are empty until
// the user has created or joined a tenant.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
	Email    string
	IP       string
}

func (i Identity) Authenticated() bool { return i.UserID != "" }

func (i Identity) HasTenant() bool { return i.TenantID != "" }

// Claims are the token's custom claims.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Issuer signs and verifies HS256 identity tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for id. Used at sign-in and whenever the caller's
// tenant or role changes.
func (is *Issuer) Issue(id Identity) (string, error) {
	if len(is.secret) == 0 {
		return "", ErrNoSecret
	}
	now := is.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    is.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(is.ttl)),
		},
		TenantID: id.TenantID,
		Role:     id.Role,
		Email:    id.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(is.secret)
}

// Parse verifies token and returns the identity it carries.
func (is *Issuer) Parse(token string) (Identity, error) {
	if len(is.secret) == 0 {
		return Identity{}, ErrNoSecret
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return is.secret, nil
	}, jwt.WithIssuer(is.issuer), jwt.WithTimeFunc(is.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		Email:    claims.Email,
	}, nil
}
