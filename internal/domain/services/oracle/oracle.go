package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/metrics"
	"github.com/bez-service/settlement_service/pkg/tracing"
)

const (
	SourceAMM      = "amm"
	SourceShared   = "shared_cache"
	SourceFallback = "fallback"

	priceDivisionPrecision = 18
	sharedKeyPrefix        = "oracle:price:"
)

// Reserves are the raw pool reserves in smallest units of each token.
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// ReserveReader reads constant-product pool reserves.
type ReserveReader interface {
	GetReserves(ctx context.Context, pool string) (*Reserves, error)
}

// SharedCache is an optional cache shared by every engine instance.
type SharedCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// PairConfig describes how to price one pair from its pool.
type PairConfig struct {
	PoolAddress   string
	BaseIsToken0  bool
	BaseDecimals  uint8
	QuoteDecimals uint8
	QuoteCurrency string
	// FallbackPrice is served, flagged degraded, when the pool cannot be
	// read. Zero disables the fallback.
	FallbackPrice decimal.Decimal
}

// Config for the Oracle.
type Config struct {
	CacheTTL       time.Duration
	RefreshTimeout time.Duration
	Pairs          map[string]PairConfig
}

// PriceOptions tune a GetPrice call.
type PriceOptions struct {
	WithSpread bool
}

// Oracle serves cached spot prices derived from AMM reserves. Concurrent
// misses for a pair share one upstream read.
type Oracle struct {
	reader ReserveReader
	shared SharedCache
	spread *SpreadCalculator
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*entities.PriceQuote
	group singleflight.Group
}

// Option customizes an Oracle.
type Option func(*Oracle)

// WithSharedCache enables the cross-instance cache tier.
func WithSharedCache(c SharedCache) Option {
	return func(o *Oracle) { o.shared = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

func New(reader ReserveReader, spread *SpreadCalculator, cfg Config, log *logger.Logger, opts ...Option) *Oracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	pairs := make(map[string]PairConfig, len(cfg.Pairs))
	for name, p := range cfg.Pairs {
		pairs[normalizePair(name)] = p
	}
	cfg.Pairs = pairs

	o := &Oracle{
		reader: reader,
		spread: spread,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
		cache:  make(map[string]*entities.PriceQuote),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PairFor returns the configured pair quoted in currency.
func (o *Oracle) PairFor(currency string) (string, bool) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for name, p := range o.cfg.Pairs {
		if strings.EqualFold(p.QuoteCurrency, currency) {
			return name, true
		}
	}
	return "", false
}

// GetPrice returns the latest quote for pair, refreshing it when the cached
// quote is older than the cache TTL.
func (o *Oracle) GetPrice(ctx context.Context, pair string, opts PriceOptions) (*entities.PriceQuote, error) {
	pair = normalizePair(pair)
	ctx, span := tracing.StartSpan(ctx, "oracle", "oracle.GetPrice",
		attribute.String("pair", pair),
		attribute.Bool("with_spread", opts.WithSpread))
	defer span.End()

	cfg, ok := o.cfg.Pairs[pair]
	if !ok {
		err := domainerrors.UnknownPairError(pair)
		tracing.RecordError(span, err)
		return nil, err
	}

	quote, ok := o.cached(pair)
	if ok {
		metrics.OracleCacheHits.WithLabelValues(pair, "local").Inc()
	} else {
		v, err, _ := o.group.Do(pair, func() (interface{}, error) {
			refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RefreshTimeout)
			defer cancel()
			return o.refresh(refreshCtx, pair, cfg)
		})
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		quote = v.(*entities.PriceQuote)
	}

	span.SetAttributes(attribute.String("source", quote.Source), attribute.Bool("degraded", quote.Degraded))
	if opts.WithSpread {
		return o.spread.Apply(quote), nil
	}
	return quote, nil
}

// Invalidate drops the local quote for pair.
func (o *Oracle) Invalidate(pair string) {
	o.mu.Lock()
	delete(o.cache, normalizePair(pair))
	o.mu.Unlock()
}

func (o *Oracle) cached(pair string) (*entities.PriceQuote, bool) {
	o.mu.RLock()
	q, ok := o.cache[pair]
	o.mu.RUnlock()
	if !ok || !q.FreshAt(o.now()) {
		return nil, false
	}
	return q, true
}

func (o *Oracle) store(pair string, q *entities.PriceQuote) {
	o.mu.Lock()
	o.cache[pair] = q
	o.mu.Unlock()
}

func (o *Oracle) refresh(ctx context.Context, pair string, cfg PairConfig) (*entities.PriceQuote, error) {
	// A caller that queued behind a finished flight may find a fresh quote.
	if q, ok := o.cached(pair); ok {
		return q, nil
	}

	if o.shared != nil {
		var q entities.PriceQuote
		if err := o.shared.Get(ctx, sharedKeyPrefix+pair, &q); err == nil && q.FreshAt(o.now()) {
			q.Source = SourceShared
			o.store(pair, &q)
			metrics.OracleCacheHits.WithLabelValues(pair, "redis").Inc()
			return &q, nil
		}
	}

	q, err := o.fetch(ctx, pair, cfg)
	if err != nil {
		return o.fallback(pair, cfg, err)
	}

	o.store(pair, q)
	metrics.OracleRefreshesTotal.WithLabelValues(pair, "ok").Inc()
	metrics.OraclePrice.WithLabelValues(pair).Set(q.Value.InexactFloat64())

	if o.shared != nil {
		if err := o.shared.Set(ctx, sharedKeyPrefix+pair, q, o.cfg.CacheTTL); err != nil {
			o.logger.Warn("Failed to write shared price cache", "pair", pair, "error", err)
		}
	}
	return q, nil
}

func (o *Oracle) fetch(ctx context.Context, pair string, cfg PairConfig) (*entities.PriceQuote, error) {
	reserves, err := o.reader.GetReserves(ctx, cfg.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("read reserves of %s: %w", cfg.PoolAddress, err)
	}
	base, quote := reserves.Reserve1, reserves.Reserve0
	if cfg.BaseIsToken0 {
		base, quote = reserves.Reserve0, reserves.Reserve1
	}
	value, err := SpotPrice(base, quote, cfg.BaseDecimals, cfg.QuoteDecimals)
	if err != nil {
		return nil, err
	}
	return &entities.PriceQuote{
		Pair:       pair,
		Value:      value,
		Currency:   cfg.QuoteCurrency,
		ObservedAt: o.now(),
		TTL:        o.cfg.CacheTTL,
		Source:     SourceAMM,
	}, nil
}

// fallback serves the static price for pair. Fallback quotes are never
// cached so the next call tries the pool again.
func (o *Oracle) fallback(pair string, cfg PairConfig, cause error) (*entities.PriceQuote, error) {
	if !cfg.FallbackPrice.IsPositive() {
		metrics.OracleRefreshesTotal.WithLabelValues(pair, "error").Inc()
		o.logger.Error("Price unavailable", "pair", pair, "error", cause)
		return nil, domainerrors.PriceUnavailableError(pair, cause)
	}
	metrics.OracleRefreshesTotal.WithLabelValues(pair, "fallback").Inc()
	o.logger.Warn("Serving fallback price", "pair", pair, "price", cfg.FallbackPrice.String(), "error", cause)
	return &entities.PriceQuote{
		Pair:       pair,
		Value:      cfg.FallbackPrice,
		Currency:   cfg.QuoteCurrency,
		ObservedAt: o.now(),
		TTL:        0,
		Source:     SourceFallback,
		Degraded:   true,
	}, nil
}

// SpotPrice returns quote/base after scaling each reserve by its decimals.
func SpotPrice(base, quote *big.Int, baseDecimals, quoteDecimals uint8) (decimal.Decimal, error) {
	if base == nil || quote == nil || base.Sign() <= 0 || quote.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("pool has empty reserves")
	}
	b := decimal.NewFromBigInt(base, -int32(baseDecimals))
	q := decimal.NewFromBigInt(quote, -int32(quoteDecimals))
	return q.DivRound(b, priceDivisionPrecision), nil
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
