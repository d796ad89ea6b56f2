package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/ratelimit"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultCleanupTTL      = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP and forgets buckets
// idle for longer than the cleanup TTL.
type IPRateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	cleanupTTL time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewIPRateLimiter allows requestsPerMinute per IP, clamped to at least 1.
func NewIPRateLimiter(requestsPerMinute int, cleanupTTL time.Duration) *IPRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if cleanupTTL <= 0 {
		cleanupTTL = defaultCleanupTTL
	}

	rl := &IPRateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:      requestsPerMinute,
		cleanupTTL: cleanupTTL,
		stopCh:     make(chan struct{}),
	}
	go rl.cleanupLoop(defaultCleanupInterval)
	return rl
}

func (rl *IPRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *IPRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.cleanupTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *IPRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Limit rejects requests over the per-IP budget with 429.
func (rl *IPRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "RATE_LIMIT_EXCEEDED",
				"message":    "Too many requests. Please try again later.",
				"request_id": c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

// Size reports how many IPs are tracked.
func (rl *IPRateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// SharedRateLimit enforces cluster-wide budgets. Requests pass when the
// backing store is unreachable so a redis outage never blocks settlement
// intake.
func SharedRateLimit(limiter *ratelimit.TieredLimiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limiter.Check(c.Request.Context(), c.ClientIP(), c.GetString("operator"), c.FullPath())
		if err != nil {
			log.Warn("Shared rate limit unavailable", "error", err, "path", c.FullPath())
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "RATE_LIMIT_EXCEEDED",
				"message":    "Too many requests. Please try again later.",
				"limited_by": res.LimitedBy,
				"request_id": c.GetString("request_id"),
			})
			return
		}
		if res.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		}
		c.Next()
	}
}
