package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{hits: make(map[string][]time.Time)}
}

func (s *memoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []time.Time
	for _, t := range s.hits[key] {
		if t.After(now.Add(-window)) {
			kept = append(kept, t)
		}
	}
	count := int64(len(kept))
	s.hits[key] = append(kept, now)
	return count, nil
}

func TestTieredLimiter_IPTier(t *testing.T) {
	l := NewTieredLimiter(newMemoryStore(), TieredConfig{IPLimit: 2, IPWindow: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "10.0.0.1", "", "/prices")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Check(ctx, "10.0.0.1", "", "/prices")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "ip", res.LimitedBy)
	assert.Equal(t, time.Minute, res.RetryAfter)

	res, err = l.Check(ctx, "10.0.0.2", "", "/prices")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTieredLimiter_WindowSlides(t *testing.T) {
	l := NewTieredLimiter(newMemoryStore(), TieredConfig{GlobalLimit: 1, GlobalWindow: time.Minute}, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	res, _ := l.Check(ctx, "", "", "")
	assert.True(t, res.Allowed)
	res, _ = l.Check(ctx, "", "", "")
	assert.False(t, res.Allowed)
	assert.Equal(t, "global", res.LimitedBy)

	now = now.Add(61 * time.Second)
	res, _ = l.Check(ctx, "", "", "")
	assert.True(t, res.Allowed)
}

func TestTieredLimiter_EndpointKeyedByOperator(t *testing.T) {
	l := NewTieredLimiter(newMemoryStore(), TieredConfig{
		EndpointLimits: map[string]EndpointLimit{
			"/api/v1/payments/confirmations": {Limit: 1, Window: time.Minute},
		},
	}, zap.NewNop())
	ctx := context.Background()
	const endpoint = "/api/v1/payments/confirmations"

	res, _ := l.Check(ctx, "10.0.0.1", "relay-a", endpoint)
	assert.True(t, res.Allowed)
	res, _ = l.Check(ctx, "10.0.0.2", "relay-a", endpoint)
	assert.False(t, res.Allowed, "same operator from another IP shares the budget")
	assert.Equal(t, "endpoint", res.LimitedBy)

	res, _ = l.Check(ctx, "10.0.0.1", "relay-b", endpoint)
	assert.True(t, res.Allowed)
}

func TestTieredLimiter_StoreError(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection refused")
	l := NewTieredLimiter(store, TieredConfig{IPLimit: 5, IPWindow: time.Minute}, zap.NewNop())

	_, err := l.Check(context.Background(), "10.0.0.1", "", "")
	assert.ErrorContains(t, err, "connection refused")
}

func TestTieredLimiter_NoTiersAllowsEverything(t *testing.T) {
	l := NewTieredLimiter(newMemoryStore(), TieredConfig{}, zap.NewNop())
	res, err := l.Check(context.Background(), "10.0.0.1", "ops", "/x")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(-1), res.Remaining)
}
