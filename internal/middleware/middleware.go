// Package middleware provides the Gin middleware of the Meridian HTTP API:
// CORS, request ids, structured request logging, rate limiting, admin key
// authentication and panic recovery.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/cache"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// CORSMiddleware allows the dashboard origins to call the API.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "Last-Event-ID"},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	for _, o := range allowedOrigins {
		if o == "*" {
			cfg.AllowOriginFunc = func(string) bool { return true }
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = allowedOrigins
	return cors.New(cfg)
}

// RequestID assigns each request an id, reusing one supplied by the client.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// LoggingMiddleware logs method, path, status, latency and client IP of
// every request, at a level chosen by the status code.
func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
			"request_id", c.GetString("request_id"),
		}
		switch {
		case status >= 500:
			logger.Error("request", append(attrs, "errors", c.Errors.ByType(gin.ErrorTypePrivate).String())...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

// rateLimitID identifies the caller: its key when it sent one, else its IP.
// Only a prefix of the key is kept.
func rateLimitID(c *gin.Context) string {
	id := c.GetHeader("X-Admin-Key")
	if id == "" {
		id = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if id == "" {
		return c.ClientIP()
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

func tooManyRequests(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": "Too many requests. Please slow down.",
	})
}

// RateLimitMiddleware enforces maxRequests per window per caller using a
// shared Redis counter. Redis errors let the request through.
func RateLimitMiddleware(rc *cache.Cache, maxRequests int64, window time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := rc.RateLimitCheck(c.Request.Context(), rateLimitID(c), maxRequests, window)
		if err != nil {
			logger.Warn("rate limit check failed", "error", err)
			c.Next()
			return
		}
		if !allowed {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}

// LocalRateLimitMiddleware is the single-replica variant of
// RateLimitMiddleware, with a token bucket per caller.
func LocalRateLimitMiddleware(perMinute int64) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limit := rate.Limit(float64(perMinute) / 60)

	return func(c *gin.Context) {
		id := rateLimitID(c)
		mu.Lock()
		l, ok := limiters[id]
		if !ok {
			l = rate.NewLimiter(limit, int(perMinute))
			limiters[id] = l
		}
		mu.Unlock()

		if !l.Allow() {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}

// AdminKeyAuth requires the X-Admin-Key header, or a bearer token, to match
// expectedKey. With no key configured every request is refused.
func AdminKeyAuth(expectedKey string) gin.HandlerFunc {
	if expectedKey == "" {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "management API disabled: MERIDIAN_ADMIN_API_KEY not configured",
			})
		}
	}
	want := []byte(expectedKey)
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid or missing admin API key",
			})
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("recovered from panic", "panic", err, "path", c.Request.URL.Path,
					"request_id", c.GetString("request_id"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_server_error",
					"message": "An unexpected error occurred.",
				})
			}
		}()
		c.Next()
	}
}
