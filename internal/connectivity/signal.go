// Package connectivity tracks whether the backend is reachable.
package connectivity

import "sync"

// Signal is an observable online/offline flag.
//
// The observed state comes from Set (usually a Prober). Override pins the
// effective state regardless of observations until it is cleared.
type Signal struct {
	mu       sync.Mutex
	observed bool
	forced   *bool
	subs     map[int]chan bool
	nextID   int
}

// NewSignal creates a signal with an initial observed state
func NewSignal(online bool) *Signal {
	return &Signal{observed: online, subs: make(map[int]chan bool)}
}

// Online returns the effective state
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effective()
}

// Forced reports whether an override is active
func (s *Signal) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced != nil
}

func (s *Signal) effective() bool {
	if s.forced != nil {
		return *s.forced
	}
	return s.observed
}

// Set records an observation. It returns true when the effective state changed.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.effective()
	s.observed = online
	return s.publish(before)
}

// Override pins the effective state; nil returns control to observations.
// It returns true when the effective state changed.
func (s *Signal) Override(online *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.effective()
	if online == nil {
		s.forced = nil
	} else {
		v := *online
		s.forced = &v
	}
	return s.publish(before)
}

// publish notifies subscribers if the effective state moved away from before.
// Each subscriber channel holds at most the latest value.
func (s *Signal) publish(before bool) bool {
	now := s.effective()
	if now == before {
		return false
	}
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- now
	}
	return true
}

// Subscribe returns a channel receiving every effective-state transition.
// Slow readers only see the most recent state. Call cancel to unsubscribe.
func (s *Signal) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
