package engine

import (
	"log/slog"
	"sync"
	"time"
)

// TimerKind identifies one of a session's three timers.
type TimerKind string

const (
	TimerWarn5    TimerKind = "warn_5"
	TimerWarn1    TimerKind = "warn_1"
	TimerComplete TimerKind = "complete"
)

// TimerScheduler is the per-process registry of armed session timers.
// Handles live only in memory for the session's active lifetime; a process
// restart loses them, which the engine's Recover sweep compensates for.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[int64]map[TimerKind]*time.Timer
	stopped bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[int64]map[TimerKind]*time.Timer)}
}

// Schedule arms fn to run after delay, keyed by (session, kind). A
// non-positive delay is dropped, which is how short time limits skip their
// warnings. Re-scheduling the same key replaces the pending handle. The
// callback runs on its own goroutine; a panic in it is contained so one
// session's task can never take down the scheduler.
func (s *TimerScheduler) Schedule(sessionID int64, kind TimerKind, delay time.Duration, fn func()) {
	if delay <= 0 {
		slog.Debug("skipping non-positive timer", "session", sessionID, "kind", kind, "delay", delay)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if prev, ok := s.timers[sessionID][kind]; ok {
		prev.Stop()
	}
	if s.timers[sessionID] == nil {
		s.timers[sessionID] = make(map[TimerKind]*time.Timer)
	}
	s.timers[sessionID][kind] = time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("timer callback panicked", "session", sessionID, "kind", kind, "panic", r)
			}
		}()
		s.discard(sessionID, kind)
		fn()
	})
	slog.Debug("armed timer", "session", sessionID, "kind", kind, "delay", delay)
}

// CancelAll stops any still-pending timers for the session and discards
// their handles. Safe against timers that already fired or were cancelled.
func (s *TimerScheduler) CancelAll(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, t := range s.timers[sessionID] {
		t.Stop()
		slog.Debug("cancelled timer", "session", sessionID, "kind", kind)
	}
	delete(s.timers, sessionID)
}

// Stop cancels every pending timer and refuses new ones. Called on
// process shutdown.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, kinds := range s.timers {
		for _, t := range kinds {
			t.Stop()
		}
		delete(s.timers, id)
	}
}

// Pending returns how many timers are still armed for a session.
func (s *TimerScheduler) Pending(sessionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[sessionID])
}

func (s *TimerScheduler) discard(sessionID int64, kind TimerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kinds, ok := s.timers[sessionID]; ok {
		delete(kinds, kind)
		if len(kinds) == 0 {
			delete(s.timers, sessionID)
		}
	}
}
