// Package escalation drives unacknowledged alerts through the levels of
// their escalation policy.
//
// # Run State Machine
//
//	pending ──timer──▶ notifying(n) ──fan-out done──▶ waiting_for_ack(n) ──timer──▶ notifying(n+1) ...
//	                                                        │
//	                                   last level, timer ───┴──▶ exhausted ──repeat_interval──▶ (re-notify last level)
//
// Any state ──Cancel──▶ cancelled. A fan-out already in flight when a run
// is cancelled completes, but nothing further is scheduled.
package escalation

import (
	"sync"
	"time"

	"github.com/pilot-net/alertcore/control-plane/internal/clock"
)

// Scheduler owns one cancellable timer handle per key. Rescheduling a key
// replaces its timer; a replaced or cancelled timer that already fired is
// discarded before its callback runs.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	seq    uint64
	timers map[string]*scheduled
}

type scheduled struct {
	timer clock.Timer
	token uint64
	at    time.Time
}

// NewScheduler creates a scheduler on c.
func NewScheduler(c clock.Clock) *Scheduler {
	return &Scheduler{clock: c, timers: make(map[string]*scheduled)}
}

// Schedule arranges for fn to run at at, replacing any timer for id.
func (s *Scheduler) Schedule(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
	}
	s.seq++
	token := s.seq
	entry := &scheduled{token: token, at: at}
	entry.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), func() {
		s.mu.Lock()
		cur, ok := s.timers[id]
		if !ok || cur.token != token {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = entry
}

// Cancel stops the timer for id. It reports false when nothing was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	entry.timer.Stop()
	return true
}

// NextAt returns when the timer for id is due.
func (s *Scheduler) NextAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelAll stops every timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}
