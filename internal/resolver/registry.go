package resolver

import (
	"context"
	"sync"

	"github.com/maneesh/audioshelf/internal/connectivity"
)

// Registry keeps one session per audiobook for callers that address sources
// by id, such as the management API. At most limit sessions stay open; the
// least recently used one is closed to make room.
type Registry struct {
	resolver *Resolver
	signal   *connectivity.Signal
	limit    int

	mu       sync.Mutex
	tick     uint64
	sessions map[int64]*entry
}

type entry struct {
	session *Session
	used    uint64
}

// NewRegistry creates an empty registry holding up to limit sessions.
// A limit below one is treated as one.
func NewRegistry(r *Resolver, signal *connectivity.Signal, limit int) *Registry {
	if limit < 1 {
		limit = 1
	}
	return &Registry{resolver: r, signal: signal, limit: limit, sessions: make(map[int64]*entry)}
}

// lookup returns the open session for id and marks it used. Callers hold mu.
func (g *Registry) lookup(id int64) (*Session, bool) {
	e, ok := g.sessions[id]
	if !ok {
		return nil, false
	}
	g.tick++
	e.used = g.tick
	return e.session, true
}

// Source returns the current state for id, resolving it on first use
func (g *Registry) Source(ctx context.Context, id int64) State {
	g.mu.Lock()
	s, ok := g.lookup(id)
	var evicted *Session
	if !ok {
		evicted = g.evictLocked()
		s = g.resolver.NewSession(g.signal)
		g.tick++
		g.sessions[id] = &entry{session: s, used: g.tick}
	}
	g.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
	if !ok {
		return s.Select(ctx, id)
	}
	return s.Current()
}

// evictLocked drops the least recently used session when the registry is
// full and returns it for the caller to close outside the lock
func (g *Registry) evictLocked() *Session {
	if len(g.sessions) < g.limit {
		return nil
	}
	var (
		oldest int64
		found  bool
		used   uint64
	)
	for id, e := range g.sessions {
		if !found || e.used < used {
			oldest, used, found = id, e.used, true
		}
	}
	if !found {
		return nil
	}
	s := g.sessions[oldest].session
	delete(g.sessions, oldest)
	g.resolver.logger.Debug("closing idle source session", "audio_id", oldest)
	return s
}

// Refresh re-resolves id and returns the result, opening a session if none
// exists yet
func (g *Registry) Refresh(ctx context.Context, id int64) State {
	g.mu.Lock()
	s, ok := g.lookup(id)
	g.mu.Unlock()
	if !ok {
		return g.Source(ctx, id)
	}
	return s.Refresh(ctx)
}

// RefreshIfOpen re-resolves id only when a session already tracks it
func (g *Registry) RefreshIfOpen(ctx context.Context, id int64) {
	g.mu.Lock()
	e, ok := g.sessions[id]
	g.mu.Unlock()
	if ok {
		e.session.Refresh(ctx)
	}
}

// Len is the number of open sessions
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Release closes the session for id
func (g *Registry) Release(id int64) {
	g.mu.Lock()
	e, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if ok {
		e.session.Close()
	}
}

// ReleaseAll closes every session. The registry stays usable.
func (g *Registry) ReleaseAll() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[int64]*entry)
	g.mu.Unlock()

	for _, e := range sessions {
		e.session.Close()
	}
}

// Close closes every session
func (g *Registry) Close() { g.ReleaseAll() }
