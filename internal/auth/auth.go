// Package auth verifies tenant identity tokens for the HTTP and realtime
// surfaces.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken means the token is missing, malformed, expired or signed
// with the wrong key.
var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const tenantKey contextKey = "tenant_id"

// Claims is the JWT payload carrying the tenant identity.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Verifier checks HS256-signed tenant tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses a token string and returns the tenant ID it carries.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		})
	if err != nil || !token.Valid || claims.TenantID == "" {
		return "", ErrInvalidToken
	}
	return claims.TenantID, nil
}

// GenerateToken issues a tenant token. Used by provisioning tooling and
// tests; the server itself only verifies.
func GenerateToken(secret, tenantID string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		TenantID: tenantID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// FromRequest extracts the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid tenant token and stores the
// tenant ID in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := v.Verify(FromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// WithTenant stores the tenant ID in a context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant ID placed by Middleware, or "".
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}
