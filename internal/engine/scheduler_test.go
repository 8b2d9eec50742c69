package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedulerFires(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule(1, TimerWarn5, 10*time.Millisecond, func() { fired.Add(1) })

	waitFor(t, func() bool { return fired.Load() == 1 })
	waitFor(t, func() bool { return s.Pending(1) == 0 })
}

func TestSchedulerDropsNonPositiveDelay(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.Schedule(1, TimerWarn5, 0, func() { t.Error("zero delay must not fire") })
	s.Schedule(1, TimerWarn1, -time.Minute, func() { t.Error("negative delay must not fire") })

	if n := s.Pending(1); n != 0 {
		t.Errorf("expected 0 pending timers, got %d", n)
	}
	time.Sleep(30 * time.Millisecond)
}

func TestSchedulerCancelAll(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule(1, TimerWarn5, 50*time.Millisecond, func() { fired.Add(1) })
	s.Schedule(1, TimerComplete, 50*time.Millisecond, func() { fired.Add(1) })
	s.Schedule(2, TimerComplete, 20*time.Millisecond, func() { fired.Add(1) })

	s.CancelAll(1)
	if n := s.Pending(1); n != 0 {
		t.Errorf("expected 0 pending after cancel, got %d", n)
	}

	waitFor(t, func() bool { return fired.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("cancelled timers fired, count %d", fired.Load())
	}
}

func TestSchedulerRescheduleReplaces(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule(1, TimerComplete, 30*time.Millisecond, func() { first.Add(1) })
	s.Schedule(1, TimerComplete, 10*time.Millisecond, func() { second.Add(1) })

	if n := s.Pending(1); n != 1 {
		t.Errorf("expected 1 pending timer, got %d", n)
	}

	waitFor(t, func() bool { return second.Load() == 1 })
	time.Sleep(40 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced timer must not fire")
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	s.Schedule(1, TimerComplete, 30*time.Millisecond, func() { fired.Add(1) })
	s.Stop()

	if n := s.Pending(1); n != 0 {
		t.Errorf("expected 0 pending after stop, got %d", n)
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("timer fired after Stop")
	}

	// Scheduling after Stop is a no-op.
	s.Schedule(2, TimerWarn1, time.Millisecond, func() { fired.Add(1) })
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("timer scheduled after Stop fired")
	}
}

func TestSchedulerCallbackPanicIsContained(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var after atomic.Int32
	s.Schedule(1, TimerWarn5, 5*time.Millisecond, func() { panic("boom") })
	s.Schedule(1, TimerWarn1, 20*time.Millisecond, func() { after.Add(1) })

	waitFor(t, func() bool { return after.Load() == 1 })
}
