package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/ratelimit"
)

type countingStore struct {
	counts map[string]int64
	err    error
}

func (s *countingStore) Hit(_ context.Context, key string, _ time.Time, _ time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := s.counts[key]
	s.counts[key] = n + 1
	return n, nil
}

func sharedRouter(store ratelimit.Store) *gin.Engine {
	limiter := ratelimit.NewTieredLimiter(store, ratelimit.TieredConfig{IPLimit: 1, IPWindow: time.Minute}, zap.NewNop())
	router := gin.New()
	router.Use(SharedRateLimit(limiter, logger.NewNop()))
	router.GET("/prices/:pair", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestSharedRateLimit(t *testing.T) {
	router := sharedRouter(&countingStore{counts: map[string]int64{}})

	w := doRequest(router, http.MethodGet, "/prices/bez-usd", "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = doRequest(router, http.MethodGet, "/prices/bez-usd", "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"limited_by":"ip"`)
}

func TestSharedRateLimit_FailsOpen(t *testing.T) {
	router := sharedRouter(&countingStore{err: errors.New("redis down")})

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodGet, "/prices/bez-usd", "10.0.0.1:1234", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
