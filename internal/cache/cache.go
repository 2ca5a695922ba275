// Package cache holds named response caches for the interception layer.
//
// Caches are addressed by name; names carry a version suffix so a new release
// can drop every cache it does not own in one activation step. Entries are
// whole HTTP responses. A cache may bound its entry count and entry age.
package cache

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Entry is a stored response
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// KeyInfo describes one stored key without its body
type KeyInfo struct {
	Key      string
	StoredAt time.Time
}

// Backend persists cache entries
type Backend interface {
	Put(ctx context.Context, cacheName, key string, e *Entry) error
	Get(ctx context.Context, cacheName, key string) (*Entry, bool, error)
	Delete(ctx context.Context, cacheName, key string) error
	Keys(ctx context.Context, cacheName string) ([]KeyInfo, error)
	CacheNames(ctx context.Context) ([]string, error)
	DropCache(ctx context.Context, cacheName string) error
}

// Expiration bounds a cache. Zero values mean unbounded.
type Expiration struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Storage is the set of named caches
type Storage struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	exps map[string]Expiration
}

// NewStorage wraps a backend
func NewStorage(backend Backend, logger *slog.Logger) *Storage {
	return &Storage{backend: backend, logger: logger, now: time.Now, exps: make(map[string]Expiration)}
}

// Open returns a handle on the named cache; nothing is created until a Put.
// The expiration is remembered so cross-cache lookups honor it too.
func (s *Storage) Open(name string, exp Expiration) *Cache {
	s.mu.Lock()
	s.exps[name] = exp
	s.mu.Unlock()
	return &Cache{name: name, exp: exp, storage: s}
}

func (s *Storage) expiration(name string) Expiration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exps[name]
}

// Names lists caches that currently hold entries
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	names, err := s.backend.CacheNames(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Match looks key up in every cache, in name order. Each cache applies the
// expiration it was last opened with.
func (s *Storage) Match(ctx context.Context, key string) (*Entry, bool) {
	names, err := s.Names(ctx)
	if err != nil {
		s.logger.Warn("cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	for _, name := range names {
		c := &Cache{name: name, exp: s.expiration(name), storage: s}
		if e, ok, err := c.Match(ctx, key); err == nil && ok {
			return e, true
		}
	}
	return nil, false
}

// DeleteExcept drops every cache whose name is not in keep and returns the
// dropped names
func (s *Storage) DeleteExcept(ctx context.Context, keep []string) ([]string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}

	var dropped []string
	for _, name := range names {
		if wanted[name] {
			continue
		}
		if err := s.backend.DropCache(ctx, name); err != nil {
			return dropped, err
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Cache is one named cache
type Cache struct {
	name    string
	exp     Expiration
	storage *Storage
}

// Name returns the versioned cache name
func (c *Cache) Name() string { return c.name }

// Match returns the entry for key. Entries older than MaxAge are removed and
// reported as a miss.
func (c *Cache) Match(ctx context.Context, key string) (*Entry, bool, error) {
	e, ok, err := c.storage.backend.Get(ctx, c.name, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.expired(e.StoredAt) {
		if err := c.storage.backend.Delete(ctx, c.name, key); err != nil {
			c.storage.logger.Warn("failed to drop expired entry", "cache", c.name, "key", key, "error", err)
		}
		return nil, false, nil
	}
	return e, true, nil
}

// Put stores e under key, stamping it, then trims the cache to its bounds
func (c *Cache) Put(ctx context.Context, key string, e *Entry) error {
	stored := *e
	stored.StoredAt = c.storage.now()
	if err := c.storage.backend.Put(ctx, c.name, key, &stored); err != nil {
		return err
	}
	return c.trim(ctx)
}

// Delete removes key
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.storage.backend.Delete(ctx, c.name, key)
}

func (c *Cache) expired(storedAt time.Time) bool {
	return c.exp.MaxAge > 0 && c.storage.now().Sub(storedAt) > c.exp.MaxAge
}

// trim drops expired entries, then the oldest ones beyond MaxEntries
func (c *Cache) trim(ctx context.Context) error {
	if c.exp.MaxEntries <= 0 && c.exp.MaxAge <= 0 {
		return nil
	}
	keys, err := c.storage.backend.Keys(ctx, c.name)
	if err != nil {
		return err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].StoredAt.Before(keys[j].StoredAt) })

	live := keys[:0]
	for _, k := range keys {
		if c.expired(k.StoredAt) {
			if err := c.storage.backend.Delete(ctx, c.name, k.Key); err != nil {
				return err
			}
			continue
		}
		live = append(live, k)
	}

	if c.exp.MaxEntries > 0 {
		for len(live) > c.exp.MaxEntries {
			if err := c.storage.backend.Delete(ctx, c.name, live[0].Key); err != nil {
				return err
			}
			live = live[1:]
		}
	}
	return nil
}
