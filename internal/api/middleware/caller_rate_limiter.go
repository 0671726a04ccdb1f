package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultCleanupTTL      = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerRateLimiter throttles fund-moving endpoints per authenticated caller,
// falling back to the client IP when no user is in the context. Idle entries
// are dropped in the background.
type CallerRateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.RWMutex
	rate       rate.Limit
	burst      int
	cleanupTTL time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewCallerRateLimiter allows requestsPerMinute per caller; values below 1 are clamped
func NewCallerRateLimiter(requestsPerMinute int) *CallerRateLimiter {
	return NewCallerRateLimiterWithTTL(requestsPerMinute, defaultCleanupTTL)
}

// NewCallerRateLimiterWithTTL creates a limiter with a custom idle TTL
func NewCallerRateLimiterWithTTL(requestsPerMinute int, cleanupTTL time.Duration) *CallerRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if cleanupTTL <= 0 {
		cleanupTTL = defaultCleanupTTL
	}

	cl := &CallerRateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:      requestsPerMinute,
		cleanupTTL: cleanupTTL,
		stopCh:     make(chan struct{}),
	}
	go cl.cleanupLoop(defaultCleanupInterval)
	return cl
}

func (cl *CallerRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *CallerRateLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for key, entry := range cl.limiters {
		if now.Sub(entry.lastSeen) > cl.cleanupTTL {
			delete(cl.limiters, key)
		}
	}
}

// Stop ends the background cleanup
func (cl *CallerRateLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCh) })
}

func (cl *CallerRateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if entry, ok := cl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(cl.rate, cl.burst)
	cl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// callerKey identifies the caller. Must run after Authentication to key by user.
func callerKey(c *gin.Context) string {
	if userID, ok := c.Get(ContextUserID); ok {
		return fmt.Sprintf("user:%v", userID)
	}
	return "ip:" + c.ClientIP()
}

// Limit returns the gin middleware
func (cl *CallerRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cl.getLimiter(callerKey(c)).Allow() {
			c.Header("Retry-After", "60")
			abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}

// Size returns the number of tracked callers
func (cl *CallerRateLimiter) Size() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}
