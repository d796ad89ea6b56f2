package settlement

import (
	"time"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/pkg/retry"
)

// RetryPolicy configures the settlement retry schedule. MaxAttempts counts
// retries after the first attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy gives 5s, 10s, 20s before dead-lettering.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

// RetryScheduler decides when a transiently failed record runs again.
type RetryScheduler struct {
	policy  RetryPolicy
	backoff *retry.Backoff
}

func NewRetryScheduler(policy RetryPolicy) *RetryScheduler {
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return &RetryScheduler{
		policy: policy,
		backoff: retry.NewBackoff(retry.Policy{
			InitialDelay: policy.InitialDelay,
			MaxDelay:     policy.MaxDelay,
			Multiplier:   2,
		}),
	}
}

// MaxAttempts is the retry budget given to new records.
func (s *RetryScheduler) MaxAttempts() int { return s.policy.MaxAttempts }

// Delay returns the wait before retry n (1-based).
func (s *RetryScheduler) Delay(n int) time.Duration {
	return s.backoff.Calculate(n)
}

// Next returns when rec should be retried after a transient failure and the
// retry number that will be, or exhausted=true when the budget is spent.
func (s *RetryScheduler) Next(rec *entities.PaymentRecord, now time.Time) (at time.Time, retryNumber int, exhausted bool) {
	budget := rec.MaxAttempts
	if budget <= 0 {
		budget = s.policy.MaxAttempts
	}
	if rec.RetryCount >= budget {
		return time.Time{}, rec.RetryCount, true
	}
	n := rec.RetryCount + 1
	return now.Add(s.Delay(n)), n, false
}
