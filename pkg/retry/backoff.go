package retry

import "time"

// Backoff computes exponential delays without jitter so schedules are
// reproducible across restarts.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

func NewBackoff(p Policy) *Backoff {
	m := p.Multiplier
	if m == 0 {
		m = 2
	}
	return &Backoff{initial: p.InitialDelay, max: p.MaxDelay, multiplier: m}
}

// Calculate returns the delay before retry n (1-based): initial*multiplier^(n-1),
// capped at the policy maximum.
func (b *Backoff) Calculate(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.initial)
	for i := 1; i < n; i++ {
		d *= b.multiplier
		if d >= float64(b.max) {
			return b.max
		}
	}
	if d > float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}
