package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		entry := logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// BearerToken requires "Authorization: Bearer <token>" when token is set.
func BearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ErrorHandler renders the last error attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status := statusFor(err)

		var fetchErr *core.RegistryFetchError
		if errors.As(err, &fetchErr) && fetchErr.RateLimited && !fetchErr.ResetAt.IsZero() {
			if wait := time.Until(fetchErr.ResetAt); wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
		}

		body := gin.H{"error": err.Error()}
		var businessErr core.BusinessError
		if errors.As(err, &businessErr) {
			body["error"] = businessErr.Message
			body["code"] = businessErr.Code
		}
		if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
			body["error"] = "internal server error"
		}
		c.JSON(status, body)
	}
}

func statusFor(err error) int {
	var (
		businessErr   core.BusinessError
		assetErr      *core.AssetNotFoundError
		rollbackErr   *core.RollbackUnavailableError
		fetchErr      *core.RegistryFetchError
		badRequestErr *requestError
	)
	switch {
	case errors.As(err, &badRequestErr):
		return http.StatusBadRequest
	case errors.As(err, &businessErr):
		switch businessErr {
		case core.ErrDeviceNotFound, core.ErrSessionNotFound, core.ErrReleaseNotFound, core.ErrBlobNotStaged:
			return http.StatusNotFound
		case core.ErrUpdateInProgress, core.ErrAlreadyInstalled:
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errors.As(err, &assetErr), errors.As(err, &rollbackErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		if fetchErr.RateLimited {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// requestError marks malformed client input.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter allows requestsPerMinute per client IP. Zero disables it.
func RateLimiter(requestsPerMinute int) gin.HandlerFunc {
	var mu sync.Mutex
	clients := make(map[string]*rateLimitClient)

	return func(c *gin.Context) {
		if requestsPerMinute <= 0 {
			c.Next()
			return
		}
		clientIP := c.ClientIP()
		now := time.Now()

		mu.Lock()
		client, exists := clients[clientIP]
		if !exists || now.Sub(client.lastReset) > time.Minute {
			clients[clientIP] = &rateLimitClient{lastReset: now, requests: 1}
			mu.Unlock()
			c.Next()
			return
		}
		if client.requests >= requestsPerMinute {
			retryAfter := 60 - int(now.Sub(client.lastReset).Seconds())
			mu.Unlock()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}
		client.requests++
		mu.Unlock()

		c.Next()
	}
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
