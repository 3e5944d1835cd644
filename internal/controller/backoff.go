package controller

import "time"

// backoff is the exponential reconnect delay, grounded on the teacher's
// cluster/agent/agent.go backoff struct: it doubles on every failed
// attempt up to a ceiling and resets once a session has run long enough
// to be considered stable.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

// next returns the delay to wait before the next attempt and advances
// the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// reset returns the backoff to its base delay, called after a connection
// has proven itself stable for longer than stableAfter.
func (b *backoff) reset() {
	b.current = b.base
}
