// Package backoff computes capped, jittered reconnect delays.
package backoff

import (
	rand "math/rand/v2"
	"time"
)

const (
	DefaultBase       = 100 * time.Millisecond
	DefaultCap        = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Jitter computes the delay following prev using decorrelated jitter:
//
//	next = min(cap, base + rand[0, prev*mult - base))
//
// A non-positive prev starts from base. A nil rng uses the package PRNG.
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}
	var j int64
	if rng != nil {
		j = rng.Int64N(int64(spread))
	} else {
		j = rand.Int64N(int64(spread)) //nolint:gosec // non-crypto jitter
	}
	next := base + time.Duration(j)
	if capDur > 0 && next > capDur {
		return capDur
	}
	return next
}

// Backoff tracks the previous delay of a retry loop. It is not safe for
// concurrent use.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64

	rng  *rand.Rand
	prev time.Duration
}

// New returns a Backoff with the default schedule. A non-zero seed makes the
// jitter deterministic.
func New(seed uint64) *Backoff {
	b := &Backoff{Base: DefaultBase, Cap: DefaultCap, Multiplier: DefaultMultiplier}
	if seed != 0 {
		b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec
	}
	return b
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.prev = Jitter(b.prev, b.Base, b.Multiplier, b.Cap, b.rng)
	return b.prev
}

// Reset restarts the schedule from Base, typically after a successful
// connection.
func (b *Backoff) Reset() { b.prev = 0 }
