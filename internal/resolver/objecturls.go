package resolver

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ObjectURLs hands out playable URLs for audiobooks held in the blob store.
// A URL names the audiobook, not its bytes; the blob is read from the store
// when the URL is served. A URL stays valid until it is revoked.
type ObjectURLs struct {
	mu   sync.RWMutex
	base string
	ids  map[string]int64
}

// NewObjectURLs creates a registry whose URLs live under publicURL + "/blob/"
func NewObjectURLs(publicURL string) *ObjectURLs {
	return &ObjectURLs{
		base: strings.TrimRight(publicURL, "/") + "/blob/",
		ids:  make(map[string]int64),
	}
}

// Create registers a URL for audiobook id and returns it
func (o *ObjectURLs) Create(id int64) string {
	token := uuid.NewString()
	o.mu.Lock()
	o.ids[token] = id
	o.mu.Unlock()
	return o.base + token
}

// Revoke forgets a URL returned by Create. Unknown URLs are ignored.
func (o *ObjectURLs) Revoke(url string) {
	if !strings.HasPrefix(url, o.base) {
		return
	}
	o.mu.Lock()
	delete(o.ids, strings.TrimPrefix(url, o.base))
	o.mu.Unlock()
}

// Lookup returns the audiobook registered under token
func (o *ObjectURLs) Lookup(token string) (int64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.ids[token]
	return id, ok
}

// Len is the number of live URLs
func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ids)
}
