package ingest

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff produces exponentially growing retry delays bounded by a maximum.
// Jitter shortens each delay by up to Jitter of its length, so delays never
// exceed the maximum.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter float64
	rand   func() float64
	max    time.Duration
}

// NewBackoff creates a backoff. rnd returns values in [0, 1); nil uses
// math/rand.
func NewBackoff(initial, max time.Duration, multiplier, jitter float64, rnd func() float64) *Backoff {
	if rnd == nil {
		rnd = rand.Float64
	}
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = multiplier
	exp.RandomizationFactor = 0
	exp.Reset()

	return &Backoff{exp: exp, jitter: jitter, rand: rnd, max: max}
}

// Next returns the next delay
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d > b.max {
		d = b.max
	}
	if b.jitter > 0 {
		d -= time.Duration(float64(d) * b.jitter * b.rand())
	}
	return d
}

// Reset restarts the sequence from the initial delay
func (b *Backoff) Reset() {
	b.exp.Reset()
}
