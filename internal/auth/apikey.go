// Package auth provides authentication middleware for the admin API: a static
// API key header or an HS256 bearer token carrying the admin role.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header carrying the admin API key
	APIKeyHeader = "X-API-Key"

	principalContextKey contextKey = "principal"
)

// Principal identifies the authenticated caller
type Principal struct {
	Subject string
	Method  string // "api_key" or "jwt"
}

// Admin guards admin routes
type Admin struct {
	apiKey string
	jwt    *JWTManager
	logger *slog.Logger
}

// NewAdmin creates an admin guard. Either credential may be disabled: an
// empty apiKey rejects all keys, a nil jwtManager rejects all tokens.
func NewAdmin(apiKey string, jwtManager *JWTManager, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{apiKey: apiKey, jwt: jwtManager, logger: logger}
}

// Middleware rejects requests without a valid admin credential
func (a *Admin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, status, msg := a.authenticate(r)
		if principal == nil {
			a.logger.Warn("admin request rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"reason", msg,
			)
			writeError(w, status, msg)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Admin) authenticate(r *http.Request) (*Principal, int, string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if a.apiKey == "" {
			return nil, http.StatusForbidden, "admin API key not configured"
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			return nil, http.StatusUnauthorized, "invalid API key"
		}
		return &Principal{Subject: "api-key", Method: "api_key"}, 0, ""
	}

	token, ok := bearerToken(r)
	if !ok {
		return nil, http.StatusUnauthorized, "missing credentials"
	}
	if a.jwt == nil {
		return nil, http.StatusForbidden, "token authentication not configured"
	}
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return nil, http.StatusUnauthorized, err.Error()
	}
	if claims.Role != RoleAdmin {
		return nil, http.StatusForbidden, "admin role required"
	}
	return &Principal{Subject: claims.Subject, Method: "jwt"}, 0, ""
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PrincipalFromContext extracts the authenticated caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
