package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFiresOnce(t *testing.T) {
	r := NewRegistry()
	var fired atomic.Int32
	r.Schedule("dialog-1", "followup", 10*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one firing, got %d", got)
	}
	if r.Pending("dialog-1", "followup") {
		t.Fatalf("timer still pending after firing")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	r := NewRegistry()
	var fired atomic.Int32
	r.Schedule("dialog-1", "followup", 30*time.Millisecond, func() { fired.Add(1) })
	if !r.Cancel("dialog-1", "followup") {
		t.Fatalf("expected cancel to report a pending timer")
	}
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("cancelled timer fired %d times", got)
	}
	// second cancel is a no-op
	if r.Cancel("dialog-1", "followup") {
		t.Fatalf("expected second cancel to report nothing pending")
	}
}

func TestRescheduleReplacesPending(t *testing.T) {
	r := NewRegistry()
	var first, second atomic.Int32
	r.Schedule("svc-stt", "backoff", 50*time.Millisecond, func() { first.Add(1) })
	r.Schedule("svc-stt", "backoff", 10*time.Millisecond, func() { second.Add(1) })
	time.Sleep(120 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced timer fired")
	}
	if second.Load() != 1 {
		t.Fatalf("replacement fired %d times", second.Load())
	}
}

func TestCancelOwnerStopsAllKinds(t *testing.T) {
	r := NewRegistry()
	var fired atomic.Int32
	r.Schedule("dialog-1", "followup", 30*time.Millisecond, func() { fired.Add(1) })
	r.Schedule("dialog-1", "resume_guard", 30*time.Millisecond, func() { fired.Add(1) })
	r.Schedule("svc-stt", "backoff", 30*time.Millisecond, func() { fired.Add(1) })
	if n := r.CancelOwner("dialog-1"); n != 2 {
		t.Fatalf("expected 2 stopped, got %d", n)
	}
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected only the service timer to fire, got %d", got)
	}
}

func TestStopCancelsEverything(t *testing.T) {
	r := NewRegistry()
	var fired atomic.Int32
	for _, owner := range []string{"a", "b", "c"} {
		r.Schedule(owner, "k", 30*time.Millisecond, func() { fired.Add(1) })
	}
	r.Stop()
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("timers fired after Stop: %d", fired.Load())
	}
}
