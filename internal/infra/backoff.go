package infra

import "time"

// Backoff produces exponential reconnect delays: base doubling per attempt
// up to a cap. Not safe for concurrent use; each worker owns one.
type Backoff struct {
	base time.Duration
	max  time.Duration
	n    int
}

// NewBackoff returns a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// DefaultBackoff is the reconnect policy shared by all workers: 1s
// doubling up to 60s.
func DefaultBackoff() *Backoff {
	return NewBackoff(time.Second, time.Minute)
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.delay(b.n)
	b.n++
	return d
}

// Attempts returns how many delays were handed out since the last reset.
func (b *Backoff) Attempts() int { return b.n }

// Reset starts over after a successful connect.
func (b *Backoff) Reset() { b.n = 0 }

func (b *Backoff) delay(n int) time.Duration {
	if n < 0 {
		return b.base
	}
	// 1<<n overflows fast; anything past 2^30 is beyond any sane cap.
	if n > 30 {
		return b.max
	}
	d := b.base * time.Duration(1<<n)
	if d > b.max || d <= 0 {
		return b.max
	}
	return d
}
