package reconcile

import (
	"math/rand/v2"
	"time"
)

// Backoff is the retry policy for failed replays: capped exponential with
// jitter. The zero value means "retry on every reconciliation pass with no
// delay", which reproduces the plain drain-on-reconnect behaviour.
type Backoff struct {
	// Base is the delay after the first failed attempt; it doubles per
	// attempt. Zero disables deferral entirely.
	Base time.Duration
	// Cap bounds the delay. Zero with a non-zero Base means no bound.
	Cap time.Duration
	// Jitter spreads the delay by ±Jitter fraction (e.g. 0.2 = ±20%).
	Jitter float64
	// MaxAttempts discards a submission after this many failed attempts.
	// Zero means unlimited: a submission is never dropped for retrying
	// too often.
	MaxAttempts int
}

// DefaultBackoff is the policy wired by the command: 30s base, 15m cap,
// 20% jitter, unlimited attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Cap: 15 * time.Minute, Jitter: 0.2}
}

// Next returns the delay before the given attempt number is retried.
// attempts counts failures so far, starting at 1.
func (b Backoff) Next(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		spread := 1 + b.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}

// Exhausted reports whether a submission with the given failure count
// should be discarded instead of retried.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
