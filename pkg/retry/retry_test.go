package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := NewBackoff(Policy{InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second})

	assert.Equal(t, 5*time.Second, b.Calculate(1))
	assert.Equal(t, 10*time.Second, b.Calculate(2))
	assert.Equal(t, 20*time.Second, b.Calculate(3))
	assert.Equal(t, 30*time.Second, b.Calculate(4))
	assert.Equal(t, 30*time.Second, b.Calculate(10))
	assert.Equal(t, 5*time.Second, b.Calculate(0))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Second}.Validate())
	assert.Error(t, Policy{InitialDelay: 0, MaxDelay: time.Second}.Validate())
	assert.Error(t, Policy{InitialDelay: 2 * time.Second, MaxDelay: time.Second}.Validate())
}

func TestRetrier_Do(t *testing.T) {
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, zap.NewNop(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Do(context.Background(), policy, zap.NewNop(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		p := policy
		fatal := errors.New("fatal")
		p.RetryableFunc = func(err error) bool { return !errors.Is(err, fatal) }
		calls := 0
		err := Do(context.Background(), p, zap.NewNop(), func(context.Context) error {
			calls++
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})
}
