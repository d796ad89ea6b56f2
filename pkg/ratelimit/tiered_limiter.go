package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Store counts hits inside a sliding window.
type Store interface {
	// Hit records a hit at now and returns how many hits the window held
	// before it.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

// TieredConfig defines tiered rate limiting configuration. A zero limit
// disables its tier.
type TieredConfig struct {
	GlobalLimit    int64
	GlobalWindow   time.Duration
	IPLimit        int64
	IPWindow       time.Duration
	OperatorLimit  int64
	OperatorWindow time.Duration
	EndpointLimits map[string]EndpointLimit
}

// EndpointLimit defines rate limit for a specific endpoint
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// TieredLimiter applies global, per-IP, per-operator and per-endpoint
// limits shared by every instance through the store.
type TieredLimiter struct {
	store  Store
	config TieredConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewTieredLimiter(store Store, config TieredConfig, logger *zap.Logger) *TieredLimiter {
	return &TieredLimiter{store: store, config: config, logger: logger, now: time.Now}
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	LimitedBy  string
}

type tierCheck struct {
	tier   string
	key    string
	limit  int64
	window time.Duration
}

// Check evaluates the tiers in order and stops at the first one exhausted.
func (l *TieredLimiter) Check(ctx context.Context, ip, operator, endpoint string) (*CheckResult, error) {
	checks := []tierCheck{
		{"global", "global", l.config.GlobalLimit, l.config.GlobalWindow},
	}
	if ip != "" {
		checks = append(checks, tierCheck{"ip", ip, l.config.IPLimit, l.config.IPWindow})
	}
	if operator != "" {
		checks = append(checks, tierCheck{"operator", operator, l.config.OperatorLimit, l.config.OperatorWindow})
	}
	if el, ok := l.config.EndpointLimits[endpoint]; ok {
		who := ip
		if operator != "" {
			who = operator
		}
		checks = append(checks, tierCheck{"endpoint", endpoint + ":" + who, el.Limit, el.Window})
	}

	remaining := int64(-1)
	now := l.now()
	for _, c := range checks {
		if c.limit <= 0 || c.window <= 0 {
			continue
		}
		count, err := l.store.Hit(ctx, fmt.Sprintf("ratelimit:%s:%s", c.tier, c.key), now, c.window)
		if err != nil {
			return nil, fmt.Errorf("rate limit check failed: %w", err)
		}
		left := c.limit - count - 1
		if count >= c.limit {
			l.logger.Debug("Rate limit exceeded", zap.String("tier", c.tier), zap.String("key", c.key))
			return &CheckResult{Allowed: false, Remaining: 0, RetryAfter: c.window, LimitedBy: c.tier}, nil
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return &CheckResult{Allowed: true, Remaining: remaining}, nil
}

// RedisStore keeps each window as a sorted set of hit timestamps.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	windowStart := now.Add(-window)

	pipe := s.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%d", windowStart.UnixNano()), "+inf")
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}
