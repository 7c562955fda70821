package session

import (
	"sort"
	"time"
)

const (
	// activityWindow is how far back message arrivals count toward the
	// chat rate.
	activityWindow = 60 * time.Second

	// minResponseGap is the floor between any two non-priority responses,
	// and also the shortest adaptive delay (busiest chat tier).
	minResponseGap = 2 * time.Second
)

// Throttle paces outbound responses against recent inbound chat velocity.
// Empty chat gets long delays so the bot does not look spammy; busy chat gets
// short ones so it keeps pace. Pure state: callers supply timestamps, no I/O,
// single goroutine by construction.
type Throttle struct {
	arrivals     []time.Time // sorted ascending, pruned lazily
	lastResponse time.Time
	cooldowns    map[Kind]time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{cooldowns: make(map[Kind]time.Time)}
}

// RecordArrival appends one inbound message timestamp to the activity window.
func (t *Throttle) RecordArrival(now time.Time) {
	t.arrivals = append(t.arrivals, now)
}

// prune drops arrivals older than the window. Arrivals are appended in order,
// so this is a prefix trim.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-activityWindow)
	idx := sort.Search(len(t.arrivals), func(i int) bool {
		return t.arrivals[i].After(cutoff)
	})
	if idx > 0 {
		t.arrivals = append(t.arrivals[:0:0], t.arrivals[idx:]...)
	}
}

// Rate returns the number of messages in the last 60 seconds.
func (t *Throttle) Rate(now time.Time) int {
	t.prune(now)
	return len(t.arrivals)
}

// AdaptiveDelay maps the current chat rate to a response delay, inversely.
func (t *Throttle) AdaptiveDelay(now time.Time) time.Duration {
	rate := t.Rate(now)
	switch {
	case rate == 0:
		return 120 * time.Second
	case rate < 2:
		return 60 * time.Second
	case rate < 5:
		return 30 * time.Second
	case rate < 10:
		return 15 * time.Second
	case rate < 20:
		return 8 * time.Second
	case rate < 50:
		return 5 * time.Second
	default:
		return minResponseGap
	}
}

// cooldownFactor scales the adaptive delay into the per-kind cooldown.
// Fact checks are deliberate (1.5x), moderation notices terse (0.5x).
func cooldownFactor(k Kind) float64 {
	switch k {
	case KindFactCheck:
		return 1.5
	case KindModeration:
		return 0.5
	default:
		return 1.0
	}
}

// ShouldRespond decides whether a response of the given kind may go out now.
// Priority kinds skip every check. Non-priority kinds are refused when any
// response went out less than minResponseGap ago, or when the kind's own
// cooldown (adaptive delay scaled by its factor) has not elapsed.
func (t *Throttle) ShouldRespond(kind Kind, now time.Time) Outcome {
	if kind.Priority() {
		return ok()
	}

	if !t.lastResponse.IsZero() && now.Sub(t.lastResponse) < minResponseGap {
		return refused(ReasonResponseFloor)
	}

	delay := t.AdaptiveDelay(now)
	required := time.Duration(float64(delay) * cooldownFactor(kind))
	if last, seen := t.cooldowns[kind]; seen && now.Sub(last) < required {
		return refused(ReasonKindCooldown)
	}
	return ok()
}

// RecordResponse marks a response of the given kind as sent at now. Cooldown
// timestamps only move forward.
func (t *Throttle) RecordResponse(kind Kind, now time.Time) {
	if last, seen := t.cooldowns[kind]; !seen || now.After(last) {
		t.cooldowns[kind] = now
	}
	if now.After(t.lastResponse) {
		t.lastResponse = now
	}
}
