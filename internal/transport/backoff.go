package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes reconnect delays of Base * 2^attempt.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 0 {
		return 0
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.Max(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// Max returns the largest delay the schedule can produce.
func (b Backoff) Max() time.Duration {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return b.Base << uint(attempts-1)
}
