package syncer

import (
	"strings"
	"time"

	"fiscal-sync/internal/models"
)

// NextAllowedAt computes the earliest time a tenant may run a new
// synchronization: the later of the interval gate and any active cooldown
// encoded in the status tag, or nil when neither applies. Pure; no I/O.
func NextAllowedAt(st models.CursorState, minInterval time.Duration) *time.Time {
	var gate *time.Time

	// Interval gate. Rows written before the explicit success timestamp
	// existed fall back to the last attempt, but only when that run
	// actually succeeded.
	effective := st.LastSuccessAt
	if effective == nil && st.LastAttemptAt != nil && strings.HasPrefix(st.StatusTag, models.RunSuccess) {
		effective = st.LastAttemptAt
	}
	if effective != nil {
		t := effective.Add(minInterval)
		gate = &t
	}

	if cooldown := models.CooldownUntil(st.StatusTag); cooldown != nil {
		if gate == nil || cooldown.After(*gate) {
			gate = cooldown
		}
	}
	return gate
}

// IsBlocked reports whether a sync run at now would violate the window.
func IsBlocked(st models.CursorState, minInterval time.Duration, now time.Time) bool {
	next := NextAllowedAt(st, minInterval)
	return next != nil && next.After(now)
}
