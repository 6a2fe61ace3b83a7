package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/auth"
	"github.com/inkwell-ai/inkwell/internal/config"
)

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request with method, path, status, and
// duration.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Recovery turns handler panics into a 500 envelope instead of a dropped
// connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					writeJSON(w, http.StatusInternalServerError, envelope{
						"success": false,
						"error":   "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter enforces a per-user requests-per-minute limit with a Redis
// windowed counter. Redis failures fail open.
type RateLimiter struct {
	redis  *redis.Client
	rpm    int
	logger *zap.Logger
}

// NewRateLimiter builds the limiter. A nil client, a disabled config, or
// a non-positive limit disables it.
func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpm := cfg.RequestsPerMinute
	if !cfg.Enabled {
		rpm = 0
	}
	return &RateLimiter{redis: client, rpm: rpm, logger: logger}
}

// Middleware returns the HTTP middleware function. It must run after the
// auth middleware so the user context is present.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.redis == nil || rl.rpm <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userCtx, okUser := auth.UserFromContext(ctx)
		if !okUser {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		window := now.Truncate(time.Minute)
		key := fmt.Sprintf("ratelimit:user:%s:%d", userCtx.UserID, window.Unix())

		pipe := rl.redis.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Minute+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			// Fail open; the limiter must never take the API down.
			rl.logger.Warn("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		count := incr.Val()
		remaining := rl.rpm - int(count)
		if remaining < 0 {
			remaining = 0
		}
		resetAt := window.Add(time.Minute)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.rpm))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if count > int64(rl.rpm) {
			rl.logger.Warn("rate limit exceeded",
				zap.String("user_id", userCtx.UserID),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", resetAt.Unix()-now.Unix()))
			writeJSON(w, http.StatusTooManyRequests, envelope{
				"success": false,
				"error":   "rate limit exceeded; retry after the window resets",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
