package session

import (
	"math"
	"time"
)

// reconnectAfterFailures is how many consecutive acquisition failures force
// a full credential and cache reconnect before the next attempt.
const reconnectAfterFailures = 5

// Backoff tracks consecutive stream-discovery failures and derives the wait
// before the next attempt. ConsecutiveFailures counts every attempt that
// yielded no stream, empty results included; ErrorStreak counts only
// errored attempts and drives the reconnect threshold.
type Backoff struct {
	ConsecutiveFailures int
	ErrorStreak         int
	PreviousDelay       time.Duration
	QuickCheck          bool
}

// Miss records an attempt that completed but found no live stream.
func (b *Backoff) Miss(hasTrigger bool) time.Duration {
	b.ErrorStreak = 0
	return b.step(hasTrigger)
}

// Fail records an errored acquisition attempt.
func (b *Backoff) Fail(hasTrigger bool) time.Duration {
	b.ErrorStreak++
	return b.step(hasTrigger)
}

// step returns the wait before the next attempt, derived from the failure
// count before this one is added.
func (b *Backoff) step(hasTrigger bool) time.Duration {
	d := intelligentDelay(b.ConsecutiveFailures, b.QuickCheck, hasTrigger)
	b.ConsecutiveFailures++
	b.PreviousDelay = d
	return d
}

// Found resets the ladder once a stream has been acquired.
func (b *Backoff) Found() {
	b.ConsecutiveFailures = 0
	b.ErrorStreak = 0
	b.PreviousDelay = 0
	b.QuickCheck = false
}

// Triggered resets the failure count after a manual trigger fired.
// Quick-check mode is untouched; only a found stream clears it.
func (b *Backoff) Triggered() {
	b.ConsecutiveFailures = 0
}

// SessionEnded arms quick-check mode so the loop re-polls aggressively for
// an immediate restream.
func (b *Backoff) SessionEnded() {
	b.ConsecutiveFailures = 0
	b.ErrorStreak = 0
	b.PreviousDelay = 0
	b.QuickCheck = true
}

// NeedsReconnect reports whether the error streak has reached a multiple of
// the reconnect threshold.
func (b *Backoff) NeedsReconnect() bool {
	return b.ErrorStreak > 0 && b.ErrorStreak%reconnectAfterFailures == 0
}

// intelligentDelay maps a failure count to the wait before the next
// acquisition attempt.
//
// Quick-check mode uses a short ladder (5s, 10s, capped at 15s) for the
// window right after a session ends. With a manual trigger channel the
// normal ladder doubles up to 2 minutes, steps through 3-10 minutes, and
// parks at 30 minutes. Without one it climbs more gently and caps at 10
// minutes.
func intelligentDelay(failures int, quickCheck, hasTrigger bool) time.Duration {
	var secs float64
	switch {
	case quickCheck:
		secs = math.Min(15, float64(5*(failures+1)))
	case hasTrigger:
		switch {
		case failures == 0:
			secs = 30
		case failures <= 3:
			secs = math.Min(30*math.Pow(2, float64(failures)), 120)
		case failures <= 6:
			secs = math.Min(float64(180*(failures-2)), 600)
		default:
			secs = 1800
		}
	default:
		switch {
		case failures == 0:
			secs = 30
		case failures <= 5:
			secs = math.Min(30*math.Pow(2, float64(failures)*0.7), 160)
		case failures <= 10:
			secs = math.Min(float64(160+30*(failures-5)), 300)
		default:
			secs = math.Min(float64(300+60*(failures-10)), 600)
		}
	}
	return time.Duration(secs * float64(time.Second))
}
