package scheduler

import (
	"testing"
	"time"
)

func TestWindowGrowsOnSuccess(t *testing.T) {
	w := newWindow(2, 10, 5, time.Minute)
	for i := 0; i < 20; i++ {
		w.onSuccess()
	}
	if w.size != 10 {
		t.Errorf("size = %d, want ceiling 10", w.size)
	}
}

func TestWindowNeverBelowOne(t *testing.T) {
	w := newWindow(1, 10, 1, time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		w.onFailure(now)
	}
	if w.size < 1 {
		t.Errorf("size = %d, want >= 1", w.size)
	}
}

func TestWindowHalvesOnCohortFailure(t *testing.T) {
	w := newWindow(8, 16, 3, time.Minute)
	now := time.Now()
	w.onFailure(now)
	w.onFailure(now)
	if w.size != 8 {
		t.Fatalf("size changed before cohort limit reached: %d", w.size)
	}
	w.onFailure(now)
	if w.size != 4 {
		t.Errorf("size = %d, want halved to 4", w.size)
	}
	if !w.cold {
		t.Errorf("expected window to go cold after cohort failure")
	}
}

func TestWindowReopensAfterCooldown(t *testing.T) {
	w := newWindow(4, 16, 1, time.Millisecond)
	now := time.Now()
	w.onFailure(now)
	if w.ready(now, 0) {
		t.Fatalf("window should be cold immediately after cohort failure")
	}

	later := now.Add(time.Second)
	if !w.ready(later, 0) {
		t.Errorf("window should have reopened after cooldown elapsed")
	}
}

func TestWindowReadyRespectsInFlight(t *testing.T) {
	w := newWindow(2, 10, 5, time.Minute)
	now := time.Now()
	if !w.ready(now, 1) {
		t.Errorf("expected ready with 1 in flight out of window size 2")
	}
	if w.ready(now, 2) {
		t.Errorf("expected not ready with in-flight == window size")
	}
}
