package services

import (
	"sync"
	"time"
)

// WakeWindowTracker owns the grace period that follows a power-on command.
// While it has time remaining, a missing heartbeat is not treated as the
// device being offline. Reads never mutate the window.
type WakeWindowTracker struct {
	clock Clock

	mu        sync.RWMutex
	armed     bool
	startedAt time.Time
	duration  time.Duration
}

// NewWakeWindowTracker creates an unarmed tracker
func NewWakeWindowTracker(clock Clock) *WakeWindowTracker {
	return &WakeWindowTracker{clock: clock}
}

// Arm starts a new window of the given duration, replacing any previous one
func (w *WakeWindowTracker) Arm(duration time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.armed = true
	w.startedAt = w.clock.Now()
	w.duration = duration
}

// Disarm clears the window. It reports whether a window was armed.
func (w *WakeWindowTracker) Disarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	wasArmed := w.armed
	w.armed = false
	w.startedAt = time.Time{}
	w.duration = 0
	return wasArmed
}

// Armed reports whether a window exists, even if its time has run out
func (w *WakeWindowTracker) Armed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.armed
}

// StartedAt returns when the current window was armed
func (w *WakeWindowTracker) StartedAt() (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.startedAt, w.armed
}

// Remaining returns the whole seconds left in the window, counting down once
// per elapsed second: a 30s window reads 30 when armed and 0 after 30s.
func (w *WakeWindowTracker) Remaining() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.armed {
		return 0
	}

	elapsed := w.clock.Now().Sub(w.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := int(w.duration/time.Second) - int(elapsed/time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
