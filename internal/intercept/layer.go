// Package intercept is the request interception layer.
//
// Every request the application issues passes through a Layer, which picks a
// caching strategy by resource class and always answers with exactly one
// Response. Audio is served from the blob store when a copy exists, with byte
// range support; everything else is forwarded upstream and cached in named,
// versioned caches.
package intercept

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/audioshelf/internal/cache"
	"github.com/maneesh/audioshelf/internal/models"
	"github.com/maneesh/audioshelf/internal/resolver"
	"github.com/maneesh/audioshelf/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("audioshelf-intercept")

// Options configures a Layer
type Options struct {
	// Version suffixes every cache name
	Version string
	// APIPrefix and StreamPath are absolute path prefixes such as "/api/"
	APIPrefix  string
	StreamPath string
	// OfflinePagePath is the key of the navigation fallback page
	OfflinePagePath string
	// OfflinePage, when set, is stored as the fallback page by Install
	// instead of fetching it upstream
	OfflinePage []byte
	// PrecacheURLs are fetched into the core cache by Install
	PrecacheURLs []string
}

// Cache expirations per resource class
var (
	apiExpiration   = cache.Expiration{MaxEntries: 50, MaxAge: 24 * time.Hour}
	imageExpiration = cache.Expiration{MaxEntries: 100, MaxAge: 30 * 24 * time.Hour}
	fontExpiration  = cache.Expiration{MaxEntries: 30, MaxAge: 365 * 24 * time.Hour}
)

// Layer intercepts requests bound for upstream
type Layer struct {
	opts     Options
	upstream *url.URL
	client   *http.Client
	caches   *cache.Storage
	store    storage.BlobStore
	urls     *resolver.ObjectURLs
	logger   *slog.Logger

	core, apiCache, images, assets, fonts, audioCache *cache.Cache

	table    []route
	patterns []*regexp.Regexp
	router   *mux.Router
	bg       sync.WaitGroup
}

// New creates a layer forwarding to upstream
func New(opts Options, upstream string, client *http.Client, caches *cache.Storage, store storage.BlobStore, urls *resolver.ObjectURLs, logger *slog.Logger) (*Layer, error) {
	u, err := url.Parse(upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", upstream)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/"
	}
	if opts.StreamPath == "" {
		opts.StreamPath = "/api/stream/"
	}
	if opts.OfflinePagePath == "" {
		opts.OfflinePagePath = "/offline.html"
	}

	l := &Layer{
		opts:     opts,
		upstream: u,
		client:   client,
		caches:   caches,
		store:    store,
		urls:     urls,
		logger:   logger,
		patterns: idPatterns(opts.StreamPath),
	}
	l.core = caches.Open(l.cacheName("audioshelf-core"), cache.Expiration{})
	l.apiCache = caches.Open(l.cacheName("api-cache"), apiExpiration)
	l.images = caches.Open(l.cacheName("images-cache"), imageExpiration)
	l.assets = caches.Open(l.cacheName("assets-cache"), cache.Expiration{})
	l.fonts = caches.Open(l.cacheName("fonts-cache"), fontExpiration)
	l.audioCache = caches.Open(l.cacheName("audio-cache"), cache.Expiration{})
	l.table = l.routes()
	l.router = l.newRouter()
	return l, nil
}

func (l *Layer) cacheName(base string) string {
	return base + "-" + l.opts.Version
}

// CacheNames lists the caches owned by this version
func (l *Layer) CacheNames() []string {
	return []string{
		l.core.Name(),
		l.apiCache.Name(),
		l.images.Name(),
		l.assets.Name(),
		l.fonts.Name(),
		l.audioCache.Name(),
	}
}

func (l *Layer) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.SkipClean(true)
	router.HandleFunc("/blob/{token}", l.serveObjectURL).Methods(http.MethodGet, http.MethodHead)
	for _, rt := range l.table {
		rt := rt
		router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
			return rt.match(r)
		}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.dispatch(rt, r).write(w, r.Method)
		})
	}
	return router
}

// ServeHTTP routes r through the table
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.router.ServeHTTP(w, r)
}

// Handle answers r without an http.ResponseWriter
func (l *Layer) Handle(r *http.Request) *Response {
	for _, rt := range l.table {
		if rt.match(r) {
			return l.dispatch(rt, r)
		}
	}
	return unavailableResponse()
}

func (l *Layer) dispatch(rt route, r *http.Request) (resp *Response) {
	ctx, span := tracer.Start(r.Context(), "intercept",
		trace.WithAttributes(
			attribute.String("class", rt.class.String()),
			attribute.String("path", r.URL.Path),
		),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("strategy panicked", "class", rt.class.String(), "path", r.URL.Path, "panic", p)
			resp = unavailableResponse()
		}
		span.SetAttributes(attribute.Int("status", resp.Status))
		l.logger.Debug("request intercepted", "class", rt.class.String(), "method", r.Method, "path", r.URL.Path, "status", resp.Status)
	}()
	return rt.serve(r.WithContext(ctx))
}

// serveObjectURL reads the audiobook an object URL names from the store on
// every request, so revoked URLs and removed records both answer 404
func (l *Layer) serveObjectURL(w http.ResponseWriter, r *http.Request) {
	id, ok := l.urls.Lookup(mux.Vars(r)["token"])
	if !ok {
		textResponse(http.StatusNotFound, "Not Found").write(w, r.Method)
		return
	}
	blob, ok, err := l.store.Get(r.Context(), id)
	if err != nil {
		l.logger.Warn("object URL read failed", "audio_id", id, "error", err)
		unavailableResponse().write(w, r.Method)
		return
	}
	if !ok {
		textResponse(http.StatusNotFound, "Not Found").write(w, r.Method)
		return
	}
	serveBlob(r.Header.Get("Range"), blob, audioContentType).write(w, r.Method)
}

// Install precaches the offline page and the configured URLs into the core
// cache. Nothing is stored unless every URL was fetched successfully.
func (l *Layer) Install(ctx context.Context) error {
	l.logger.Info("installing offline caches", "cache", l.core.Name())

	fetched := make(map[string]*Response)
	if l.opts.OfflinePage != nil {
		h := http.Header{}
		h.Set("Content-Type", "text/html; charset=utf-8")
		fetched[l.opts.OfflinePagePath] = &Response{Status: http.StatusOK, Header: h, Body: l.opts.OfflinePage}
	}
	for _, p := range l.opts.PrecacheURLs {
		if _, ok := fetched[p]; ok {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		resp, err := l.fetch(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if resp.Status != http.StatusOK {
			return fmt.Errorf("precache %s: unexpected status %d", p, resp.Status)
		}
		fetched[p] = resp
	}

	for key, resp := range fetched {
		if err := l.core.Put(ctx, key, resp.entry()); err != nil {
			return fmt.Errorf("precache %s: %w", key, err)
		}
	}
	l.logger.Info("offline caches installed", "entries", len(fetched))
	return nil
}

// Activate deletes every cache not owned by this version. The blob store is
// not a cache and is never touched.
func (l *Layer) Activate(ctx context.Context) ([]string, error) {
	dropped, err := l.caches.DeleteExcept(ctx, l.CacheNames())
	for _, name := range dropped {
		l.logger.Info("deleted outdated cache", "cache", name)
	}
	if err != nil {
		return dropped, fmt.Errorf("activate: %w", err)
	}
	return dropped, nil
}

// Wait blocks until background revalidations have finished
func (l *Layer) Wait() {
	l.bg.Wait()
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// fetch forwards r upstream and buffers the answer. Any HTTP response is a
// success; only transport failures are errors.
func (l *Layer) fetch(r *http.Request) (*Response, error) {
	target := *l.upstream
	target.Path = strings.TrimRight(l.upstream.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	targetURL := target.String()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		return nil, &models.NetworkError{URL: targetURL, Err: err}
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	resp, err := l.client.Do(out)
	if err != nil {
		return nil, &models.NetworkError{URL: targetURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.NetworkError{URL: targetURL, Err: err}
	}
	h := resp.Header.Clone()
	removeHopHeaders(h)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: data}, nil
}
