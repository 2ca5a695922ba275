package resolver

import (
	"context"
	"sync"

	"github.com/maneesh/audioshelf/internal/connectivity"
	"github.com/maneesh/audioshelf/internal/models"
)

// State is what a session currently exposes
type State struct {
	AudiobookID int64                  `json:"audiobook_id"`
	Info        models.AudioSourceInfo `json:"info"`
	Loading     bool                   `json:"loading"`
}

// Session keeps the source of one selected audiobook current.
//
// It re-resolves on Select, Refresh and every connectivity transition. Only
// the most recently started resolution may publish its result.
type Session struct {
	resolver *Resolver
	signal   *connectivity.Signal

	mu     sync.Mutex
	cond   *sync.Cond
	gen    uint64
	state  State
	minted string
	closed bool

	unsubscribe func()
	done        chan struct{}
}

// NewSession starts a session with nothing selected
func (r *Resolver) NewSession(signal *connectivity.Signal) *Session {
	updates, unsubscribe := signal.Subscribe()
	s := &Session{
		resolver:    r,
		signal:      signal,
		state:       State{Info: models.Unavailable(signal.Online())},
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.watch(updates)
	return s
}

func (s *Session) watch(updates <-chan bool) {
	defer close(s.done)
	for online := range updates {
		s.resolver.logger.Debug("connectivity changed, re-resolving", "online", online)
		s.trigger(context.Background(), nil)
	}
}

// Current returns the latest published state
func (s *Session) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Select switches the session to id and resolves it
func (s *Session) Select(ctx context.Context, id int64) State {
	return s.trigger(ctx, &id)
}

// Refresh resolves the selected audiobook again against the store as it is now
func (s *Session) Refresh(ctx context.Context) State {
	return s.trigger(ctx, nil)
}

// trigger starts a resolution, switching the selection first when id is set.
// A superseded trigger discards its result and returns the newest one once
// it is published.
func (s *Session) trigger(ctx context.Context, id *int64) State {
	s.mu.Lock()
	if s.closed {
		st := s.state
		s.mu.Unlock()
		return st
	}
	if id != nil {
		s.state.AudiobookID = *id
	}
	target := s.state.AudiobookID
	if target == 0 {
		st := s.state
		s.mu.Unlock()
		return st
	}
	s.gen++
	gen := s.gen
	s.state.Loading = true
	s.mu.Unlock()

	info := s.resolver.Resolve(ctx, target, s.signal.Online())

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		s.revoke(info)
		for s.state.Loading && !s.closed {
			s.cond.Wait()
		}
		return s.state
	}
	if s.minted != "" {
		s.resolver.urls.Revoke(s.minted)
		s.minted = ""
	}
	if info.Source == models.SourceCached && info.URL != nil {
		s.minted = *info.URL
	}
	s.state = State{AudiobookID: target, Info: info}
	s.cond.Broadcast()
	return s.state
}

func (s *Session) revoke(info models.AudioSourceInfo) {
	if info.Source == models.SourceCached && info.URL != nil {
		s.resolver.urls.Revoke(*info.URL)
	}
}

// Close stops watching connectivity and revokes the session's object URL
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	if s.minted != "" {
		s.resolver.urls.Revoke(s.minted)
		s.minted = ""
	}
	s.mu.Unlock()

	s.unsubscribe()
	<-s.done
}
