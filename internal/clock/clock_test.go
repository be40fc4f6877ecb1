package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresDueTimersInOrder(t *testing.T) {
	f := NewFake(epoch)
	var fired []string
	f.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	f.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	f.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	f.Advance(2 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if f.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", f.Pending())
	}
	if got := f.Now(); !got.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("Now() = %v, want epoch+2s", got)
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	f := NewFake(epoch)
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Error("Stop() = false, want true for pending timer")
	}
	f.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if tm.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestFake_NowInsideCallbackIsDeadline(t *testing.T) {
	f := NewFake(epoch)
	var at time.Time
	f.AfterFunc(3*time.Second, func() { at = f.Now() })

	f.Advance(10 * time.Second)

	if !at.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now() in callback = %v, want epoch+3s", at)
	}
}

func TestFake_TimerScheduledByCallbackFiresInSamePass(t *testing.T) {
	f := NewFake(epoch)
	count := 0
	f.AfterFunc(time.Second, func() {
		count++
		f.AfterFunc(time.Second, func() { count++ })
	})

	f.Advance(2 * time.Second)

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

// --- Scheduler ---

func TestScheduler_RescheduleCoalesces(t *testing.T) {
	f := NewFake(epoch)
	s := NewScheduler(f)
	calls := 0

	for i := 0; i < 5; i++ {
		s.Schedule(func() { calls++ }, time.Second)
		f.Advance(500 * time.Millisecond)
	}
	if calls != 0 {
		t.Fatalf("calls = %d before quiet period, want 0", calls)
	}

	f.Advance(time.Second)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if s.Pending() {
		t.Error("Pending() = true after fire")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	f := NewFake(epoch)
	s := NewScheduler(f)
	called := false
	s.Schedule(func() { called = true }, time.Second)

	if !s.Pending() {
		t.Fatal("Pending() = false after Schedule")
	}
	s.Cancel()
	f.Advance(time.Minute)

	if called {
		t.Error("cancelled callback ran")
	}
	if s.Pending() {
		t.Error("Pending() = true after Cancel")
	}
}

func TestScheduler_RealClock(t *testing.T) {
	s := NewScheduler(Real())
	done := make(chan struct{})
	s.Schedule(func() { close(done) }, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run on the real clock")
	}
}
