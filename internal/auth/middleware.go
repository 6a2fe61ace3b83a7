package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
)

// ContextKey is the key type for context values
type ContextKey string

// UserContextKey is the context key for user information
const UserContextKey ContextKey = "user"

// Middleware authenticates HTTP requests with API keys.
type Middleware struct {
	svc    *Service
	cfg    config.AuthConfig
	logger *zap.Logger
}

// NewMiddleware creates the API-key middleware.
func NewMiddleware(svc *Service, cfg config.AuthConfig, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{svc: svc, cfg: cfg, logger: logger}
}

// Wrap authenticates the request and stores the user context. Disabled or
// skipped auth installs the dev identity so handlers always find a user.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || m.cfg.SkipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{
				UserID: "dev",
				Name:   "dev",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		apiKey := extractKey(r)
		if apiKey == "" {
			writeUnauthorized(w, "API key is required")
			return
		}

		userCtx, err := m.svc.ValidateAPIKey(r.Context(), apiKey)
		if err != nil {
			writeUnauthorized(w, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractKey pulls the API key from the X-API-Key header, a bearer token,
// or, for stream endpoints, the api_key query parameter. The browser's
// EventSource and WebSocket APIs cannot send custom headers.
func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if strings.Contains(r.URL.Path, "/stream") {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// UserFromContext extracts the authenticated user, if any.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	return userCtx, ok
}
