package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per client IP.
type ipLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiters(perSecond float64, burst int) *ipLimiters {
	return &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[ip]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Check again in case another goroutine created it
	if limiter, exists := l.limiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = limiter
	return limiter
}

// reset drops every bucket so the map cannot grow without bound.
func (l *ipLimiters) reset() {
	l.mu.Lock()
	l.limiters = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}

// run clears the buckets every interval until ctx is done.
func (l *ipLimiters) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reset()
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(limiters *ipLimiters, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			log.WithField("ip", ip).Warn("rate limit exceeded")
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass it on to
// the broker so a slow upstream call is cut off at the deadline.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			respondError(c, http.StatusGatewayTimeout, "TIMEOUT", "request took too long to process")
		}
	}
}

// RequestLogger logs every request with timing and status.
func RequestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"request_id": c.GetString("RequestID"),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
			"ip":         c.ClientIP(),
		})
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("api request")
		case status >= 400:
			entry.Warn("api request")
		default:
			entry.Debug("api request")
		}
	}
}
