package session

import (
	"time"

	backoffpkg "github.com/cenkalti/backoff/v4"
)

// reconnectSchedule is the exact fixed backoff sequence from spec.md §4.1,
// capped at the final entry. We drive github.com/cenkalti/backoff/v4's
// BackOff interface with a table-lookup step function rather than its own
// exponential/jitter defaults, since the spec mandates bit-exact delays.
var reconnectSchedule = []time.Duration{
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	16000 * time.Millisecond,
	30000 * time.Millisecond,
}

// fixedScheduleBackOff implements backoff.BackOff against reconnectSchedule.
type fixedScheduleBackOff struct {
	attempt int
}

func newFixedScheduleBackOff() backoffpkg.BackOff {
	return &fixedScheduleBackOff{}
}

func (b *fixedScheduleBackOff) Reset() { b.attempt = 0 }

func (b *fixedScheduleBackOff) NextBackOff() time.Duration {
	d := delayForAttempt(b.attempt)
	b.attempt++
	return d
}

// delayForAttempt returns the backoff for a zero-based reconnect attempt
// index, per the boundary behaviour enumerated in spec.md §8: attempts
// 0..4 produce 2000,4000,8000,16000,30000ms; attempt 7 (and beyond) stays
// at 30000ms.
func delayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(reconnectSchedule) {
		return reconnectSchedule[len(reconnectSchedule)-1]
	}
	return reconnectSchedule[attempt]
}

// Gateway error codes with special backoff handling (spec.md §4.1, §6).
const (
	errCodeConnectionLost     = 1100
	errCodeConnectionRestored = 1102
)

// backoffOverride reports the backoff override (if any) for a gateway
// error code, and whether reconnect should be suppressed entirely.
func backoffOverride(code int) (delay time.Duration, suppress bool, overridden bool) {
	switch code {
	case errCodeConnectionLost:
		return 10000 * time.Millisecond, false, true
	case errCodeConnectionRestored:
		return 0, true, true
	default:
		return 0, false, false
	}
}
