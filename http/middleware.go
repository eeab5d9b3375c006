package http

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kolapay/payment-service/internal/replay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ReplayGuardMiddleware rejects stale, replayed, or tampered requests on
// payment-mutating endpoints. The body is re-buffered so the handler can
// still bind it.
func ReplayGuardMiddleware(guard *replay.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		err = guard.Validate(c, replay.Request{
			Timestamp: c.GetHeader("X-Timestamp"),
			Nonce:     c.GetHeader("X-Nonce"),
			Signature: c.GetHeader("X-Signature"),
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Body:      body,
		})
		switch {
		case errors.Is(err, replay.ErrDuplicateNonce):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate request"})
		case errors.Is(err, replay.ErrStaleTimestamp):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "stale or missing timestamp"})
		case errors.Is(err, replay.ErrBadSignature):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		case errors.Is(err, replay.ErrStoreUnavailable):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again"})
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		default:
			c.Next()
		}
	}
}
