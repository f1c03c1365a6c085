package credential

import (
	"sync"
	"time"
)

// Scheduler runs delayed tasks keyed by name. Scheduling a key replaces any
// pending task for that key. A task whose key was cancelled or replaced
// before it fired must not run.
type Scheduler interface {
	Schedule(key string, delay time.Duration, task func())
	Cancel(key string) bool
	Pending() int
	Stop()
}

type timerEntry struct {
	timer *time.Timer
	seq   uint64
}

// TimerScheduler is a Scheduler backed by one time.AfterFunc per key.
type TimerScheduler struct {
	mu      sync.Mutex
	seq     uint64
	timers  map[string]timerEntry
	stopped bool
}

// NewTimerScheduler creates a TimerScheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]timerEntry)}
}

// Schedule arms task to run after delay. A non-positive delay runs it as
// soon as possible on its own goroutine. It is a no-op after Stop.
func (s *TimerScheduler) Schedule(key string, delay time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	s.seq++
	seq := s.seq
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, func() {
		// The timer may have fired concurrently with Cancel or a reschedule;
		// only the current sequence for the key is allowed to run.
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.seq != seq {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		task()
	})
	s.timers[key] = timerEntry{timer: t, seq: seq}
}

// Cancel stops the pending task for key and reports whether one existed.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending returns the number of armed tasks.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending task and rejects new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, k)
	}
	s.stopped = true
}
