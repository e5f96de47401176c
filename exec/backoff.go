package exec

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays capped at Max.
//
// Jitter is a fraction in [0,1] of the un-jittered delay added on top of it.
// Because each step doubles, a jitter below 1 keeps consecutive delays
// non-decreasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff provides conservative defaults for provider calls.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   500 * time.Millisecond,
		Max:    10 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
// rnd may be nil, in which case no jitter is applied.
func (b Backoff) Delay(attempt int, rnd *rand.Rand) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := b.Max
	if max < base {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}

	wait := base
	for i := 0; i < attempt; i++ {
		if wait >= max {
			return max
		}
		wait *= 2
	}

	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 && rnd != nil {
		wait += time.Duration(rnd.Float64() * jitter * float64(wait))
	}
	if wait > max {
		return max
	}
	return wait
}
