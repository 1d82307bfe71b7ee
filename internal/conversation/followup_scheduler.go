package conversation

import (
	"sync"
	"time"
)

// FollowupScheduler holds at most one pending delayed action per conversation
// key. Arming replaces the pending action; each arm fires at most once.
//
// The scheduler does not know about stages. Callers re-check the stored stage
// when the action runs, since a reply can land between the timer firing and
// the action being handled.
type FollowupScheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingFollowup
	seq     uint64
	stopped bool
}

type pendingFollowup struct {
	generation uint64
	timer      *time.Timer
}

func NewFollowupScheduler() *FollowupScheduler {
	return &FollowupScheduler{pending: make(map[string]*pendingFollowup)}
}

// Arm schedules action to run once after delay unless cancelled or replaced.
// It returns the generation token of this arm.
func (s *FollowupScheduler) Arm(key string, delay time.Duration, action func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}
	if existing, ok := s.pending[key]; ok {
		existing.timer.Stop()
	}
	s.seq++
	generation := s.seq
	s.pending[key] = &pendingFollowup{
		generation: generation,
		timer:      time.AfterFunc(delay, func() { s.fire(key, generation, action) }),
	}
	return generation
}

// Cancel drops the pending action for key. Safe when nothing is pending.
func (s *FollowupScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[key]; ok {
		existing.timer.Stop()
		delete(s.pending, key)
	}
}

// Pending reports whether an action is armed for key.
func (s *FollowupScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels everything and refuses further arms.
func (s *FollowupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}

func (s *FollowupScheduler) fire(key string, generation uint64, action func()) {
	s.mu.Lock()
	current, ok := s.pending[key]
	if !ok || current.generation != generation {
		// Cancelled or replaced after the runtime had already started this callback.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	action()
}
