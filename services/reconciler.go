package services

import (
	"time"

	"dosematic/models"
)

// Reconciler merges commanded intent, the latest heartbeat and the wake window
// into a single DeviceState.
type Reconciler struct {
	// TailThreshold is how close to the end of the wake window a fresh online
	// heartbeat may clear it early. Above it, online reports are ignored so a
	// single noisy reading during boot does not flip the display.
	TailThreshold time.Duration
}

// NewReconciler creates a reconciler with the given early-clear tail
func NewReconciler(tailThreshold time.Duration) *Reconciler {
	return &Reconciler{TailThreshold: tailThreshold}
}

// Reconcile derives the device state. Its only side effect is disarming the
// window, which is a no-op on repeated calls, so calling it twice with the
// same inputs yields the same state.
func (r *Reconciler) Reconcile(commanded models.CommandedState, observed *models.ObservedHeartbeat, window *WakeWindowTracker) models.DeviceState {
	if commanded != models.CommandedEnabled {
		window.Disarm()
		return models.StateOffline()
	}

	online := observed != nil && observed.Online

	if remaining := window.Remaining(); remaining > 0 {
		if !online || !r.freshSinceArm(observed, window) || remaining > r.tailSeconds() {
			return models.StateWakingUp(remaining)
		}
		window.Disarm()
	}

	if online {
		// an expired window is only cleared once a heartbeat confirms the device
		window.Disarm()
		return models.StateOnline()
	}

	return models.StateOffline()
}

func (r *Reconciler) tailSeconds() int {
	return int(r.TailThreshold / time.Second)
}

// freshSinceArm reports whether the heartbeat was read after the window
// started, so a report from before the power-on cannot end the window.
func (r *Reconciler) freshSinceArm(observed *models.ObservedHeartbeat, window *WakeWindowTracker) bool {
	startedAt, armed := window.StartedAt()
	if !armed {
		return false
	}
	return !observed.FetchedAt.Before(startedAt)
}
