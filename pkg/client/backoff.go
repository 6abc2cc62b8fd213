package client

import (
	"math/rand"
	"time"
)

// Backoff computes the wait before retry attempt n (zero-based).
type Backoff func(attempt int) time.Duration

// ExpBackoff doubles base per attempt up to max, then spreads each wait
// over [wait/2, wait] so a fleet of agents hitting the same outage does
// not retry in lockstep.
func ExpBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		wait := base
		for i := 0; i < attempt && wait < max; i++ {
			wait *= 2
		}
		if wait > max {
			wait = max
		}
		half := wait / 2
		return half + time.Duration(rand.Int63n(int64(half)+1))
	}
}
