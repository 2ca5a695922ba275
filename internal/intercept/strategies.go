package intercept

import (
	"context"
	"errors"
	"net/http"

	"github.com/maneesh/audioshelf/internal/cache"
)

func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func readsCache(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// cacheable reports whether resp may be stored: only complete answers to GETs
func cacheable(r *http.Request, resp *Response) bool {
	return r.Method == http.MethodGet && resp.Status == http.StatusOK
}

func (l *Layer) put(ctx context.Context, c *cache.Cache, key string, resp *Response) {
	if err := c.Put(ctx, key, resp.entry()); err != nil {
		l.logger.Warn("failed to cache response", "cache", c.Name(), "key", key, "error", err)
	}
}

func (l *Layer) match(ctx context.Context, c *cache.Cache, key string) (*Response, bool) {
	e, ok, err := c.Match(ctx, key)
	if err != nil {
		l.logger.Warn("cache read failed", "cache", c.Name(), "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return fromEntry(e), true
}

// navigation goes to the network first and falls back to a precached copy of
// the page, then to the offline page.
func (l *Layer) navigation(r *http.Request) *Response {
	resp, err := l.fetch(r)
	if err == nil {
		return resp
	}
	l.logger.Info("navigation failed, serving offline page", "path", r.URL.Path, "error", err)

	ctx := r.Context()
	if cached, ok := l.match(ctx, l.core, cacheKey(r)); ok {
		return cached
	}
	if page, ok := l.match(ctx, l.core, l.opts.OfflinePagePath); ok {
		return page
	}
	return textResponse(http.StatusServiceUnavailable, "Offline")
}

// audio serves a blob store copy when the URL names an audiobook that has
// one. Otherwise it goes to the network, keeping successful answers in the
// audio cache for later offline use.
func (l *Layer) audio(r *http.Request) *Response {
	ctx := r.Context()
	if id, ok := audioID(r.URL, l.patterns); ok {
		blob, found, err := l.store.Get(ctx, id)
		switch {
		case err != nil:
			l.logger.Warn("blob store read failed, trying network", "audio_id", id, "error", err)
		case found:
			l.logger.Debug("serving audio from blob store", "audio_id", id, "range", r.Header.Get("Range"))
			return serveBlob(r.Header.Get("Range"), blob, audioContentType)
		}
	}

	key := cacheKey(r)
	resp, err := l.fetch(r)
	if err == nil {
		if cacheable(r, resp) {
			l.put(ctx, l.audioCache, key, resp)
		}
		return resp
	}
	l.logger.Warn("audio fetch failed", "path", r.URL.Path, "error", err)

	if readsCache(r) {
		if e, ok := l.caches.Match(ctx, key); ok {
			if e.Status == http.StatusOK {
				ct := e.Header.Get("Content-Type")
				if ct == "" {
					ct = audioContentType
				}
				return serveBlob(r.Header.Get("Range"), e.Body, ct)
			}
			return fromEntry(e)
		}
	}
	return textResponse(http.StatusServiceUnavailable, "Audio not available offline")
}

// api is network-first with the api cache as fallback and a structured
// offline error when nothing is cached.
func (l *Layer) api(r *http.Request) *Response {
	ctx := r.Context()
	key := cacheKey(r)

	resp, err := l.fetch(r)
	if err == nil {
		if cacheable(r, resp) {
			l.put(ctx, l.apiCache, key, resp)
		}
		return resp
	}
	l.logger.Info("api request failed, trying cache", "path", r.URL.Path, "error", err)

	if readsCache(r) {
		if cached, ok := l.match(ctx, l.apiCache, key); ok {
			return cached
		}
	}
	return offlineAPIResponse()
}

// staleWhileRevalidate answers from c when possible and refreshes the entry
// in the background.
func (l *Layer) staleWhileRevalidate(c *cache.Cache) func(*http.Request) *Response {
	return func(r *http.Request) *Response {
		ctx := r.Context()
		key := cacheKey(r)

		if readsCache(r) {
			if cached, ok := l.match(ctx, c, key); ok {
				l.revalidate(r, c, key)
				return cached
			}
		}

		resp, err := l.fetch(r)
		if err != nil {
			l.logger.Info("asset fetch failed", "path", r.URL.Path, "error", err)
			return unavailableResponse()
		}
		if cacheable(r, resp) {
			l.put(ctx, c, key, resp)
		}
		return resp
	}
}

func (l *Layer) revalidate(r *http.Request, c *cache.Cache, key string) {
	if r.Method != http.MethodGet {
		return
	}
	bgReq := r.Clone(context.WithoutCancel(r.Context()))
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		resp, err := l.fetch(bgReq)
		if err != nil {
			l.logger.Debug("background revalidation failed", "key", key, "error", err)
			return
		}
		if cacheable(bgReq, resp) {
			l.put(bgReq.Context(), c, key, resp)
		}
	}()
}

// cacheFirst answers from c and only goes to the network on a miss
func (l *Layer) cacheFirst(c *cache.Cache) func(*http.Request) *Response {
	return func(r *http.Request) *Response {
		ctx := r.Context()
		key := cacheKey(r)

		if readsCache(r) {
			if cached, ok := l.match(ctx, c, key); ok {
				return cached
			}
		}

		resp, err := l.fetch(r)
		if err != nil {
			l.logger.Info("fetch failed with nothing cached", "cache", c.Name(), "path", r.URL.Path, "error", err)
			return unavailableResponse()
		}
		if cacheable(r, resp) {
			l.put(ctx, c, key, resp)
		}
		return resp
	}
}

// networkWithCacheFallback forwards r and, when the network fails, answers
// from whichever cache holds the key.
func (l *Layer) networkWithCacheFallback(r *http.Request) *Response {
	resp, err := l.fetch(r)
	if err == nil {
		return resp
	}
	if errors.Is(err, context.Canceled) {
		return unavailableResponse()
	}
	if readsCache(r) {
		if e, ok := l.caches.Match(r.Context(), cacheKey(r)); ok {
			return fromEntry(e)
		}
	}
	return unavailableResponse()
}
