package gateway

import "time"

// lagRecovery debounces full-redraw requests: a burst of lag signals
// inside the window triggers recovery exactly once, preventing a
// feedback storm of redraws.
type lagRecovery struct {
	window time.Duration
	last   time.Time
	now    func() time.Time
}

func newLagRecovery(window time.Duration) *lagRecovery {
	return &lagRecovery{window: window, now: time.Now}
}

// shouldRecover reports whether this lag signal should trigger a full
// redraw, and records the recovery when it does.
func (l *lagRecovery) shouldRecover() bool {
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.window {
		return false
	}
	l.last = now
	return true
}
