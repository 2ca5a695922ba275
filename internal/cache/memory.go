package cache

import (
	"context"
	"sync"
)

// MemoryBackend keeps caches in process memory
type MemoryBackend struct {
	mu     sync.RWMutex
	caches map[string]map[string]*Entry
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{caches: make(map[string]map[string]*Entry)}
}

func (m *MemoryBackend) Put(_ context.Context, cacheName, key string, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[cacheName]
	if !ok {
		c = make(map[string]*Entry)
		m.caches[cacheName] = c
	}
	c[key] = cloneEntry(e)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, cacheName, key string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.caches[cacheName][key]
	if !ok {
		return nil, false, nil
	}
	return cloneEntry(e), true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, cacheName, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[cacheName]; ok {
		delete(c, key)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, cacheName string) ([]KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []KeyInfo
	for k, e := range m.caches[cacheName] {
		keys = append(keys, KeyInfo{Key: k, StoredAt: e.StoredAt})
	}
	return keys, nil
}

func (m *MemoryBackend) CacheNames(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemoryBackend) DropCache(_ context.Context, cacheName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cacheName)
	return nil
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	out.Header = e.Header.Clone()
	out.Body = append([]byte(nil), e.Body...)
	return &out
}
