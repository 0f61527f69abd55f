// Package retry holds the shared reconnection backoff policy used by the
// pub-sub bus and the ASR upstream client.
package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with proportional jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Max caps the computed delay before jitter is applied.
	Max time.Duration

	// Jitter is the ± fraction applied to the capped delay (0.2 = ±20%).
	Jitter float64
}

// Default is the relay-wide reconnect policy: 250ms base, doubling, 10s cap,
// ±20% jitter.
var Default = Backoff{
	Base:   250 * time.Millisecond,
	Factor: 2,
	Max:    10 * time.Second,
	Jitter: 0.2,
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		// Spread uniformly across [d(1-j), d(1+j)].
		d *= 1 - b.Jitter + 2*b.Jitter*rand.Float64()
	}
	return time.Duration(d)
}
