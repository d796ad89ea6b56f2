package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/pkg/logger"
)

type fakeReader struct {
	calls    atomic.Int32
	reserves *Reserves
	err      error
	gate     chan struct{}
	entered  chan struct{}
}

func (f *fakeReader) GetReserves(ctx context.Context, pool string) (*Reserves, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reserves, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func exampleReserves() *Reserves {
	usdc := new(big.Int).Mul(big.NewInt(75_000), big.NewInt(1_000_000))
	bez := new(big.Int).Mul(big.NewInt(100_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return &Reserves{Reserve0: usdc, Reserve1: bez}
}

func testPair(fallback decimal.Decimal) PairConfig {
	return PairConfig{
		PoolAddress:   "0x00000000000000000000000000000000000000aa",
		BaseIsToken0:  false,
		BaseDecimals:  18,
		QuoteDecimals: 6,
		QuoteCurrency: "USD",
		FallbackPrice: fallback,
	}
}

func newTestOracle(t *testing.T, reader ReserveReader, pair PairConfig, spread string, opts ...Option) (*Oracle, *fakeClock) {
	t.Helper()
	calc, err := NewSpreadCalculator(decimal.RequireFromString(spread))
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	o := New(reader, calc, Config{
		CacheTTL: 30 * time.Second,
		Pairs:    map[string]PairConfig{"bez-usd": pair},
	}, logger.NewNop(), opts...)
	return o, clock
}

func TestGetPrice_ReserveExample(t *testing.T) {
	reader := &fakeReader{reserves: exampleReserves()}
	o, _ := newTestOracle(t, reader, testPair(decimal.Zero), "2")

	q, err := o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.True(t, q.Value.Equal(decimal.RequireFromString("0.00075")), q.Value.String())
	assert.Equal(t, SourceAMM, q.Source)
	assert.False(t, q.Degraded)
	assert.Equal(t, "USD", q.Currency)

	withSpread, err := o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{WithSpread: true})
	require.NoError(t, err)
	assert.True(t, withSpread.Value.Equal(decimal.RequireFromString("0.000765")), withSpread.Value.String())
	assert.True(t, withSpread.SpreadPercent.Equal(decimal.NewFromInt(2)))
}

func TestGetPrice_TokenOrdering(t *testing.T) {
	r := exampleReserves()
	reader := &fakeReader{reserves: &Reserves{Reserve0: r.Reserve1, Reserve1: r.Reserve0}}
	pair := testPair(decimal.Zero)
	pair.BaseIsToken0 = true
	o, _ := newTestOracle(t, reader, pair, "0")

	q, err := o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.True(t, q.Value.Equal(decimal.RequireFromString("0.00075")))
}

func TestGetPrice_CachesWithinTTL(t *testing.T) {
	reader := &fakeReader{reserves: exampleReserves()}
	o, clock := newTestOracle(t, reader, testPair(decimal.Zero), "0")
	ctx := context.Background()

	first, err := o.GetPrice(ctx, "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	clock.Advance(29 * time.Second)
	second, err := o.GetPrice(ctx, "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), reader.calls.Load())
	assert.Equal(t, first.ObservedAt, second.ObservedAt)

	clock.Advance(2 * time.Second)
	_, err = o.GetPrice(ctx, "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestGetPrice_ConcurrentMissesShareOneRead(t *testing.T) {
	reader := &fakeReader{
		reserves: exampleReserves(),
		gate:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	o, _ := newTestOracle(t, reader, testPair(decimal.Zero), "0")

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*entities.PriceQuote, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
		}(i)
	}

	<-reader.entered
	time.Sleep(20 * time.Millisecond)
	close(reader.gate)
	wg.Wait()

	assert.Equal(t, int32(1), reader.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Value.Equal(decimal.RequireFromString("0.00075")))
	}
}

func TestGetPrice_FallbackIsDegradedAndNotCached(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	o, _ := newTestOracle(t, reader, testPair(decimal.RequireFromString("0.0008")), "0")
	ctx := context.Background()

	q, err := o.GetPrice(ctx, "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.True(t, q.Degraded)
	assert.Equal(t, SourceFallback, q.Source)
	assert.True(t, q.Value.Equal(decimal.RequireFromString("0.0008")))

	_, err = o.GetPrice(ctx, "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestGetPrice_NoFallbackIsFatal(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	o, _ := newTestOracle(t, reader, testPair(decimal.Zero), "0")

	_, err := o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrPriceUnavailable)
	assert.True(t, domainerrors.IsFatal(err))
}

func TestGetPrice_EmptyPoolUsesFallbackPath(t *testing.T) {
	reader := &fakeReader{reserves: &Reserves{Reserve0: big.NewInt(0), Reserve1: big.NewInt(0)}}
	o, _ := newTestOracle(t, reader, testPair(decimal.Zero), "0")

	_, err := o.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	assert.ErrorIs(t, err, domainerrors.ErrPriceUnavailable)
}

func TestGetPrice_UnknownPair(t *testing.T) {
	o, _ := newTestOracle(t, &fakeReader{reserves: exampleReserves()}, testPair(decimal.Zero), "0")
	_, err := o.GetPrice(context.Background(), "BEZ-EUR", PriceOptions{})
	assert.ErrorIs(t, err, domainerrors.ErrUnknownPair)
	assert.ErrorIs(t, err, domainerrors.ErrConfigurationError)
}

type memoryShared struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryShared) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryShared) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func TestGetPrice_SharedCacheAcrossInstances(t *testing.T) {
	shared := &memoryShared{data: map[string][]byte{}}
	readerA := &fakeReader{reserves: exampleReserves()}
	readerB := &fakeReader{reserves: exampleReserves()}
	a, _ := newTestOracle(t, readerA, testPair(decimal.Zero), "0", WithSharedCache(shared))
	b, _ := newTestOracle(t, readerB, testPair(decimal.Zero), "0", WithSharedCache(shared))

	_, err := a.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	require.NoError(t, err)
	q, err := b.GetPrice(context.Background(), "BEZ-USD", PriceOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), readerA.calls.Load())
	assert.Equal(t, int32(0), readerB.calls.Load())
	assert.Equal(t, SourceShared, q.Source)
	assert.True(t, q.Value.Equal(decimal.RequireFromString("0.00075")))
}

func TestPairFor(t *testing.T) {
	o, _ := newTestOracle(t, &fakeReader{}, testPair(decimal.Zero), "0")
	pair, ok := o.PairFor("usd")
	assert.True(t, ok)
	assert.Equal(t, "BEZ-USD", pair)
	_, ok = o.PairFor("EUR")
	assert.False(t, ok)
}

func TestSpread_Monotonic(t *testing.T) {
	values := []string{"0.00075", "1", "123.456", "0.000000001"}
	spreads := []string{"0", "0.5", "2", "15"}
	for _, v := range values {
		for _, s := range spreads {
			calc, err := NewSpreadCalculator(decimal.RequireFromString(s))
			require.NoError(t, err)
			base := decimal.RequireFromString(v)
			assert.True(t, calc.ApplyValue(base).GreaterThanOrEqual(base), "value=%s spread=%s", v, s)
		}
	}

	_, err := NewSpreadCalculator(decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, domainerrors.ErrConfigurationError)
}
