package gatewayclient

import "time"

// ConnState is the externally visible connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateBackoff      ConnState = "backoff"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	// StateFailed is terminal: the retry budget is exhausted and the
	// application must decide what to do next.
	StateFailed ConnState = "failed"
)

// StateListener observes connection state transitions. err carries the
// latest connection error, nil when entering StateConnected.
type StateListener func(state ConnState, err error)

// backoff computes reconnect delays: floor × growth^attempt, capped at
// ceiling. reset returns it to the floor after a successful handshake.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	growth  float64
	attempt int
}

// next returns the delay before the upcoming attempt and advances the
// counter. The returned delays are non-decreasing up to the ceiling.
func (b *backoff) next() time.Duration {
	d := float64(b.floor)
	for i := 0; i < b.attempt; i++ {
		d *= b.growth
		if d >= float64(b.ceiling) {
			d = float64(b.ceiling)
			break
		}
	}
	b.attempt++
	if time.Duration(d) > b.ceiling {
		return b.ceiling
	}
	return time.Duration(d)
}

// reset returns the backoff to its floor value.
func (b *backoff) reset() {
	b.attempt = 0
}

// attempts returns how many times next has been called since the last reset.
func (b *backoff) attempts() int {
	return b.attempt
}
