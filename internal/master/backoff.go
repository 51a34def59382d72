package master

import "time"

// Backoff throttles listener restarts after crashes. It tracks only the
// timing of the two events the master cares about — a listener starting
// and the current listener dying unexpectedly — and derives a wait
// duration from them.
//
// Adapted from the exponential-backoff shape in the teacher's
// handleRestarts (math.Pow-based delay), generalized into started/died/
// how-long operations instead of being tied to a single process's restart
// counter.
type Backoff struct {
	base      time.Duration
	cap       time.Duration
	threshold time.Duration

	wait         time.Duration
	lastStarted  time.Time
	restartAfter time.Time
	hasDeadline  bool
}

const (
	backoffBase      = 1 * time.Second
	backoffCap       = 64 * time.Second
	backoffThreshold = 60 * time.Second
)

// NewBackoff returns a tracker with sensible default tuning constants.
func NewBackoff() *Backoff {
	return &Backoff{
		base:      backoffBase,
		cap:       backoffCap,
		threshold: backoffThreshold,
	}
}

// Started records that a listener was just spawned. It clears the
// pending deadline so the new listener is allowed to run immediately,
// but deliberately leaves wait untouched: a rapid Died immediately
// after must still double from the retained magnitude, not reset to
// base.
func (b *Backoff) Started(now time.Time) {
	b.lastStarted = now
	b.hasDeadline = false
}

// Died records that the current listener exited unexpectedly. If the
// prior Started happened within the reflap threshold, the wait doubles
// (capped); otherwise it resets to the base wait. now is the time of
// death, used both to judge "recently" and to compute the next
// restart-after deadline.
func (b *Backoff) Died(now time.Time) {
	if !b.lastStarted.IsZero() && now.Sub(b.lastStarted) < b.threshold {
		if b.wait == 0 {
			b.wait = b.base
		} else {
			b.wait *= 2
			if b.wait > b.cap {
				b.wait = b.cap
			}
		}
	} else {
		b.wait = b.base
	}
	b.restartAfter = now.Add(b.wait)
	b.hasDeadline = true
}

// HowLong returns the remaining wait before a restart is permitted, or
// false if a restart may happen immediately.
func (b *Backoff) HowLong(now time.Time) (time.Duration, bool) {
	if !b.hasDeadline {
		return 0, false
	}
	remaining := b.restartAfter.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}
