package scheduler

import (
	"math/rand"
	"time"
)

// window is the feedback-driven concurrency window for one destination
// queue: it grows by one on every success up to a hard ceiling, and on
// cohortLimit consecutive failures it halves and the destination goes cold
// for a cooldown period that lengthens with every cold transition.
type window struct {
	size   int
	ceiling int

	cohortFailures int
	cohortLimit    int

	cold            bool
	coldUntil       time.Time
	coldTransitions int
	cooldownBase    time.Duration
}

func newWindow(initial, ceiling, cohortLimit int, cooldownBase time.Duration) *window {
	if initial < 1 {
		initial = 1
	}
	return &window{
		size:         initial,
		ceiling:      ceiling,
		cohortLimit:  cohortLimit,
		cooldownBase: cooldownBase,
	}
}

// ready reports whether the window currently accepts new dispatches, given
// the number already in flight. A cold window rejects new dispatches but
// never affects replies already in flight.
func (w *window) ready(now time.Time, inFlight int) bool {
	if w.cold {
		if now.Before(w.coldUntil) {
			return false
		}
		w.cold = false
	}
	return inFlight < w.size
}

// onSuccess records a successful delivery: the window grows by one, up to
// the ceiling, and the failure cohort resets.
func (w *window) onSuccess() {
	w.cohortFailures = 0
	if w.size < w.ceiling {
		w.size++
	}
}

// onFailure records a failed or kept delivery. After cohortLimit
// consecutive failures, the window halves (never below 1) and the
// destination goes cold for a cooldown that grows with repeated cold
// transitions, guarding against a single bad destination monopolising
// workers.
func (w *window) onFailure(now time.Time) {
	w.cohortFailures++
	if w.cohortFailures < w.cohortLimit {
		return
	}
	w.cohortFailures = 0

	w.size = w.size / 2
	if w.size < 1 {
		w.size = 1
	}

	w.coldTransitions++
	w.cold = true
	cooldown := w.cooldownBase * time.Duration(1<<uint(w.coldTransitions-1))
	maxCooldown := w.cooldownBase * 32
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	w.coldUntil = now.Add(cooldown + jitter(cooldown/4))
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
