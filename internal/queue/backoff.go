package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base·2^(attempt-1), capped at Max, with ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = ±20%
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Delay returns the wait before the next try after `attempt` failed tries (1-based).
// A positive hint (e.g. a provider's Retry-After) is a floor and is not capped by Max.
func (b Backoff) Delay(attempt int, hint time.Duration) time.Duration {
	return b.delay(attempt, hint, rand.Float64)
}

func (b Backoff) delay(attempt int, hint time.Duration, rnd func() float64) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Jitter > 0 && rnd != nil {
		r := (rnd()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	if hint > d {
		d = hint
	}
	return d
}
