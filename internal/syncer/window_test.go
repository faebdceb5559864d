package syncer

import (
	"testing"
	"time"

	"fiscal-sync/internal/models"
)

func ts(t time.Time) *time.Time { return &t }

func TestNextAllowedAtIntervalGate(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	st := models.CursorState{
		LastSuccessAt: ts(base),
		StatusTag:     "success",
	}
	next := NextAllowedAt(st, 30*time.Minute)
	if next == nil || !next.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("next = %v, want %s", next, base.Add(30*time.Minute))
	}
}

func TestNextAllowedAtLegacyFallback(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	// No explicit success timestamp: fall back to the last attempt, but
	// only when that run succeeded.
	st := models.CursorState{LastAttemptAt: ts(base), StatusTag: "success_partial:2"}
	next := NextAllowedAt(st, time.Hour)
	if next == nil || !next.Equal(base.Add(time.Hour)) {
		t.Fatalf("partial success should gate off last attempt, got %v", next)
	}

	st.StatusTag = "error:boom"
	if got := NextAllowedAt(st, time.Hour); got != nil {
		t.Fatalf("failed legacy run must not gate, got %v", got)
	}
}

func TestNextAllowedAtCooldownWins(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	cooldownEnd := base.Add(3 * time.Hour)
	st := models.CursorState{
		LastSuccessAt: ts(base),
		StatusTag:     models.CooldownStatus("656", cooldownEnd).Encode(),
	}
	next := NextAllowedAt(st, 30*time.Minute)
	if next == nil || !next.Equal(cooldownEnd) {
		t.Fatalf("cooldown should win over interval gate, got %v", next)
	}
}

func TestNextAllowedAtNeverSynced(t *testing.T) {
	if got := NextAllowedAt(models.CursorState{}, time.Hour); got != nil {
		t.Fatalf("fresh tenant should be unblocked, got %v", got)
	}
}

func TestIsBlocked(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	st := models.CursorState{LastSuccessAt: ts(base), StatusTag: "success"}

	if !IsBlocked(st, time.Hour, base.Add(10*time.Minute)) {
		t.Fatal("run inside the minimum interval should be blocked")
	}
	if IsBlocked(st, time.Hour, base.Add(2*time.Hour)) {
		t.Fatal("run after the interval should be allowed")
	}
}

// Successful runs only ever move the window forward.
func TestNextAllowedAtMonotonic(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	st := models.CursorState{LastSuccessAt: ts(base), StatusTag: "success"}
	prev := NextAllowedAt(st, time.Hour)

	for i := 1; i <= 5; i++ {
		st.LastSuccessAt = ts(base.Add(time.Duration(i) * time.Hour))
		next := NextAllowedAt(st, time.Hour)
		if next == nil || next.Before(*prev) {
			t.Fatalf("window moved backward at step %d: %v -> %v", i, prev, next)
		}
		prev = next
	}
}
