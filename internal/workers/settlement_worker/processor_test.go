package settlement_worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/logger"
)

type fakeSettler struct {
	mu       sync.Mutex
	due      []*entities.PaymentRecord
	settled  []uuid.UUID
	claimErr error
	block    chan struct{}
	wake     chan struct{}
	// hang makes Settle wait for its context to end
	hang    bool
	ctxErrs []error
}

func newFakeSettler(n int) *fakeSettler {
	f := &fakeSettler{wake: make(chan struct{}, 1)}
	for i := 0; i < n; i++ {
		claim := uuid.New()
		f.due = append(f.due, &entities.PaymentRecord{ID: uuid.New(), ClaimID: &claim})
	}
	return f
}

func (f *fakeSettler) Claim(ctx context.Context, limit int) ([]*entities.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.due) {
		limit = len(f.due)
	}
	out := f.due[:limit]
	f.due = f.due[limit:]
	return out, nil
}

func (f *fakeSettler) Settle(ctx context.Context, rec *entities.PaymentRecord) (settlement.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	if f.hang {
		<-ctx.Done()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, rec.ID)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return settlement.OutcomeCompleted, nil
}

func (f *fakeSettler) Wake() <-chan struct{} { return f.wake }

func (f *fakeSettler) settledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

func TestProcessor_DrainsOnWake(t *testing.T) {
	engine := newFakeSettler(5)
	p, err := NewProcessor(ProcessorConfig{WorkerCount: 2, PollInterval: time.Hour, BatchSize: 2}, engine, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	engine.wake <- struct{}{}

	assert.Eventually(t, func() bool { return engine.settledCount() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_PollsOnTicker(t *testing.T) {
	engine := newFakeSettler(3)
	p, err := NewProcessor(ProcessorConfig{WorkerCount: 1, PollInterval: 10 * time.Millisecond}, engine, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool { return engine.settledCount() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_ClaimErrorDoesNotStopWorker(t *testing.T) {
	engine := newFakeSettler(1)
	engine.claimErr = errors.New("connection refused")
	p, err := NewProcessor(ProcessorConfig{WorkerCount: 1, PollInterval: 10 * time.Millisecond}, engine, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	time.Sleep(30 * time.Millisecond)
	engine.mu.Lock()
	engine.claimErr = nil
	engine.mu.Unlock()

	assert.Eventually(t, func() bool { return engine.settledCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_AttemptTimeoutEndsHungSettle(t *testing.T) {
	engine := newFakeSettler(2)
	engine.hang = true
	p, err := NewProcessor(ProcessorConfig{WorkerCount: 1, PollInterval: 5 * time.Millisecond, AttemptTimeout: 20 * time.Millisecond}, engine, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool { return engine.settledCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	engine.mu.Lock()
	defer engine.mu.Unlock()
	for _, err := range engine.ctxErrs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestProcessor_ShutdownWaitsForInFlight(t *testing.T) {
	engine := newFakeSettler(1)
	engine.block = make(chan struct{})
	p, err := NewProcessor(ProcessorConfig{WorkerCount: 1, PollInterval: 5 * time.Millisecond}, engine, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Error(t, p.Shutdown(20*time.Millisecond), "attempt still running")

	close(engine.block)
	assert.Eventually(t, func() bool { return engine.settledCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Shutdown(time.Second))
}

type MockReleaser struct {
	mock.Mock
}

func (m *MockReleaser) ReleaseStuck(ctx context.Context, lease time.Duration) (int64, error) {
	args := m.Called(ctx, lease)
	return args.Get(0).(int64), args.Error(1)
}

func TestSweeper_Sweep(t *testing.T) {
	releaser := new(MockReleaser)
	releaser.On("ReleaseStuck", mock.Anything, 10*time.Minute).Return(int64(2), nil).Once()
	releaser.On("ReleaseStuck", mock.Anything, 10*time.Minute).Return(int64(0), errors.New("db down")).Once()

	s := NewSweeper(SweeperConfig{ClaimLease: 10 * time.Minute}, releaser, logger.NewNop())
	assert.Equal(t, int64(2), s.Sweep(context.Background()))
	assert.Equal(t, int64(0), s.Sweep(context.Background()))
	releaser.AssertExpectations(t)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := NewSweeper(SweeperConfig{Schedule: "every now and then"}, new(MockReleaser), logger.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestManager_Lifecycle(t *testing.T) {
	releaser := new(MockReleaser)
	releaser.On("ReleaseStuck", mock.Anything, mock.Anything).Return(int64(0), nil)

	p, err := NewProcessor(ProcessorConfig{WorkerCount: 1, PollInterval: time.Hour}, newFakeSettler(0), logger.NewNop())
	require.NoError(t, err)
	m := NewManager(p, NewSweeper(SweeperConfig{Schedule: "@every 1h"}, releaser, logger.NewNop()), logger.NewNop())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background()))

	require.NoError(t, m.Shutdown(time.Second))
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.Shutdown(time.Second))

	releaser.AssertCalled(t, "ReleaseStuck", mock.Anything, 15*time.Minute)
}
