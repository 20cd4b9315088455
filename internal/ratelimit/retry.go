package ratelimit

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how a request is retried after a transient failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
}

// DefaultRetry mirrors the configuration defaults.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Jitter:      true,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetry.BaseDelay
	}
	return p
}

// delay returns the backoff before retrying after the given 1-based
// attempt: base * 2^(attempt-1), plus a random jitter in [0, delay) when
// enabled. Jitter only ever lengthens the wait, so the deterministic sum
// is a lower bound on total elapsed backoff.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay * (1 << uint(attempt-1))
	if p.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay))
	}
	return delay
}
