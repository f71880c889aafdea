package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// OperatorClaims is the payload of an operator bearer token. The subject is
// the operator id recorded on HITL decisions; tenant_id scopes every call.
type OperatorClaims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// WithClaims stores verified operator claims in ctx.
func WithClaims(ctx context.Context, claims *OperatorClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified operator claims, or nil before
// authentication.
func ClaimsFrom(ctx context.Context) *OperatorClaims {
	claims, _ := ctx.Value(claimsKey{}).(*OperatorClaims)
	return claims
}

// JWTAuthenticator verifies HS256 operator tokens. Issuer and audience are
// enforced only when configured; expiry is always required.
func JWTAuthenticator(cfg config.AuthConfig, secret []byte) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			claims := &OperatorClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return token, nil
}

// rejectionReason maps jwt validation errors to client-facing messages
// without echoing token contents.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// WebhookToken guards the provider webhook with a shared secret carried in
// X-Webhook-Token. An empty secret rejects every request.
func WebhookToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Webhook-Token"))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				WriteError(w, model.NewUnauthorizedError("Invalid webhook token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
