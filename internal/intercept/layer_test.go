package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maneesh/audioshelf/internal/cache"
	"github.com/maneesh/audioshelf/internal/logging"
	"github.com/maneesh/audioshelf/internal/resolver"
	"github.com/maneesh/audioshelf/internal/storage"
)

// switchTransport fails every request while offline is set
type switchTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return s.base.RoundTrip(r)
}

type upstream struct {
	mu      sync.Mutex
	hits    map[string]int
	version string
}

func (u *upstream) hit(path string) {
	u.mu.Lock()
	u.hits[path]++
	u.mu.Unlock()
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) setVersion(v string) {
	u.mu.Lock()
	u.version = v
	u.mu.Unlock()
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.hit(r.URL.Path)
	u.mu.Lock()
	version := u.version
	u.mu.Unlock()

	switch {
	case r.URL.Path == "/offline.html":
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "offline page")
	case r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "home")
	case r.URL.Path == "/library":
		io.WriteString(w, "library page")
	case r.URL.Path == "/api/audiobooks":
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":1,"title":"One"}]`)
	case r.URL.Path == "/api/notes" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	case r.URL.Path == "/api/broken":
		http.Error(w, "boom", http.StatusInternalServerError)
	case strings.HasPrefix(r.URL.Path, "/api/stream/"), strings.HasSuffix(r.URL.Path, ".mp3"):
		w.Header().Set("Content-Type", "audio/mpeg")
		io.WriteString(w, "network-audio:"+r.URL.Path)
	case strings.HasSuffix(r.URL.Path, ".js"):
		w.Header().Set("Content-Type", "text/javascript")
		io.WriteString(w, "script "+version)
	case strings.HasSuffix(r.URL.Path, ".png"), strings.HasSuffix(r.URL.Path, ".woff2"):
		io.WriteString(w, "binary "+r.URL.Path)
	default:
		http.NotFound(w, r)
	}
}

type fixture struct {
	layer     *Layer
	store     *storage.BoltStore
	caches    *cache.Storage
	urls      *resolver.ObjectURLs
	upstream  *upstream
	transport *switchTransport
}

func newTestLayer(t *testing.T, opts *Options) *fixture {
	t.Helper()
	up := &upstream{hits: map[string]int{}, version: "v1"}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	tr := &switchTransport{base: srv.Client().Transport}
	store := storage.NewBoltStore(filepath.Join(t.TempDir(), "audio.db"), 0, logging.Null())
	t.Cleanup(func() { store.Close() })
	caches := cache.NewStorage(cache.NewMemoryBackend(), logging.Null())
	urls := resolver.NewObjectURLs("http://localhost:8080")

	o := Options{Version: "v2", PrecacheURLs: []string{"/offline.html", "/"}}
	if opts != nil {
		o = *opts
	}
	l, err := New(o, srv.URL, &http.Client{Transport: tr}, caches, store, urls, logging.Null())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{layer: l, store: store, caches: caches, urls: urls, upstream: up, transport: tr}
}

func get(path string, headers ...string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}

func TestAudioFromBlobStoreWithRange(t *testing.T) {
	f := newTestLayer(t, nil)
	blob := testBlob(100)
	if err := f.store.Save(context.Background(), 42, blob, "Chapter 1"); err != nil {
		t.Fatal(err)
	}
	f.transport.offline.Store(true)

	resp := f.layer.Handle(get("/api/stream/42", "Sec-Fetch-Dest", "audio", "Range", "bytes=10-19"))
	if resp.Status != http.StatusPartialContent || len(resp.Body) != 10 {
		t.Fatalf("status %d, %d bytes", resp.Status, len(resp.Body))
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 10-19/100" {
		t.Fatalf("Content-Range = %q", got)
	}

	full := f.layer.Handle(get("/audio/42"))
	if full.Status != http.StatusOK || len(full.Body) != 100 || full.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatalf("full response: %d, %d bytes, %v", full.Status, len(full.Body), full.Header)
	}
	if n := f.upstream.count("/api/stream/42"); n != 0 {
		t.Fatalf("network used for cached audio: %d hits", n)
	}
}

func TestAudioWithoutIDUsesNetworkThenAudioCache(t *testing.T) {
	f := newTestLayer(t, nil)

	first := f.layer.Handle(get("/media/song.mp3"))
	if first.Status != http.StatusOK || string(first.Body) != "network-audio:/media/song.mp3" {
		t.Fatalf("network: %d %q", first.Status, first.Body)
	}

	f.transport.offline.Store(true)
	again := f.layer.Handle(get("/media/song.mp3", "Range", "bytes=0-6"))
	if again.Status != http.StatusPartialContent || string(again.Body) != "network" {
		t.Fatalf("cached: %d %q", again.Status, again.Body)
	}
}

func TestAudioUncachedIDFallsBackToNetwork(t *testing.T) {
	f := newTestLayer(t, nil)

	resp := f.layer.Handle(get("/api/stream/77", "Sec-Fetch-Dest", "audio"))
	if resp.Status != http.StatusOK || string(resp.Body) != "network-audio:/api/stream/77" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	if _, ok, _ := f.layer.audioCache.Match(context.Background(), "/api/stream/77"); !ok {
		t.Fatal("network audio not kept in the audio cache")
	}
	if has, _ := f.store.Has(context.Background(), 77); has {
		t.Fatal("network audio must not be written to the blob store")
	}
}

func TestAudioOfflineNotCached(t *testing.T) {
	f := newTestLayer(t, nil)
	f.transport.offline.Store(true)

	resp := f.layer.Handle(get("/api/stream/5", "Sec-Fetch-Dest", "audio"))
	if resp.Status != http.StatusServiceUnavailable || string(resp.Body) != "Audio not available offline" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
}

func TestAPINetworkFirst(t *testing.T) {
	f := newTestLayer(t, nil)

	online := f.layer.Handle(get("/api/audiobooks"))
	if online.Status != http.StatusOK {
		t.Fatalf("online status %d", online.Status)
	}
	f.layer.Handle(get("/api/broken"))
	if _, ok, _ := f.layer.apiCache.Match(context.Background(), "/api/audiobooks"); !ok {
		t.Fatal("successful api response not written to the api cache")
	}

	f.transport.offline.Store(true)
	cached := f.layer.Handle(get("/api/audiobooks"))
	if cached.Status != http.StatusOK || string(cached.Body) != string(online.Body) {
		t.Fatalf("cached: %d %q", cached.Status, cached.Body)
	}

	for _, path := range []string{"/api/never-seen", "/api/broken"} {
		resp := f.layer.Handle(get(path))
		if resp.Status != http.StatusServiceUnavailable || string(resp.Body) != offlineAPIBody {
			t.Fatalf("%s: %d %q", path, resp.Status, resp.Body)
		}
		if resp.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("%s: content type %q", path, resp.Header.Get("Content-Type"))
		}
	}
}

func TestAPIWritesAreForwardedNotCached(t *testing.T) {
	f := newTestLayer(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"text":"hi"}`))
	resp := f.layer.Handle(r)
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"text":"hi"}` {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	keys, _ := f.caches.Names(context.Background())
	if len(keys) != 0 {
		t.Fatalf("POST response cached in %v", keys)
	}

	f.transport.offline.Store(true)
	resp = f.layer.Handle(httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader("x")))
	if resp.Status != http.StatusServiceUnavailable || string(resp.Body) != offlineAPIBody {
		t.Fatalf("offline POST: %d %q", resp.Status, resp.Body)
	}
}

func TestNavigationFallback(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, nil)

	f.transport.offline.Store(true)
	resp := f.layer.Handle(get("/library", "Sec-Fetch-Mode", "navigate"))
	if resp.Status != http.StatusServiceUnavailable || string(resp.Body) != "Offline" {
		t.Fatalf("before install: %d %q", resp.Status, resp.Body)
	}

	f.transport.offline.Store(false)
	if err := f.layer.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if page := f.layer.Handle(get("/library", "Sec-Fetch-Mode", "navigate")); string(page.Body) != "library page" {
		t.Fatalf("online navigation: %q", page.Body)
	}

	f.transport.offline.Store(true)
	resp = f.layer.Handle(get("/library", "Sec-Fetch-Mode", "navigate"))
	if resp.Status != http.StatusOK || string(resp.Body) != "offline page" {
		t.Fatalf("offline page: %d %q", resp.Status, resp.Body)
	}
	home := f.layer.Handle(get("/", "Sec-Fetch-Mode", "navigate"))
	if string(home.Body) != "home" {
		t.Fatalf("precached root: %q", home.Body)
	}
}

func TestInstallUsesLocalOfflinePage(t *testing.T) {
	f := newTestLayer(t, &Options{Version: "v2", OfflinePage: []byte("<h1>local</h1>"), PrecacheURLs: []string{"/offline.html"}})
	if err := f.layer.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := f.upstream.count("/offline.html"); n != 0 {
		t.Fatalf("offline page fetched upstream %d times", n)
	}
	f.transport.offline.Store(true)
	if resp := f.layer.Handle(get("/x", "Sec-Fetch-Mode", "navigate")); string(resp.Body) != "<h1>local</h1>" {
		t.Fatalf("got %q", resp.Body)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, &Options{Version: "v2", PrecacheURLs: []string{"/offline.html", "/missing"}})

	if err := f.layer.Install(ctx); err == nil {
		t.Fatal("expected install to fail")
	}
	if _, ok, _ := f.layer.core.Match(ctx, "/offline.html"); ok {
		t.Fatal("partial precache stored")
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newTestLayer(t, nil)
	req := func() *http.Request { return get("/assets/app.js", "Sec-Fetch-Dest", "script") }

	if first := f.layer.Handle(req()); string(first.Body) != "script v1" {
		t.Fatalf("first: %q", first.Body)
	}
	f.upstream.setVersion("v2")

	if stale := f.layer.Handle(req()); string(stale.Body) != "script v1" {
		t.Fatalf("expected stale copy, got %q", stale.Body)
	}
	f.layer.Wait()
	if fresh := f.layer.Handle(req()); string(fresh.Body) != "script v2" {
		t.Fatalf("expected revalidated copy, got %q", fresh.Body)
	}
	f.layer.Wait()

	f.transport.offline.Store(true)
	if offline := f.layer.Handle(req()); offline.Status != http.StatusOK {
		t.Fatalf("offline asset: %d", offline.Status)
	}
	f.layer.Wait()
}

func TestCacheFirstClasses(t *testing.T) {
	f := newTestLayer(t, nil)

	for i := 0; i < 3; i++ {
		if resp := f.layer.Handle(get("/icons/a.png", "Sec-Fetch-Dest", "image")); resp.Status != http.StatusOK {
			t.Fatalf("image status %d", resp.Status)
		}
		if resp := f.layer.Handle(get("/fonts/a.woff2", "Sec-Fetch-Dest", "font")); resp.Status != http.StatusOK {
			t.Fatalf("font status %d", resp.Status)
		}
	}
	if n := f.upstream.count("/icons/a.png"); n != 1 {
		t.Fatalf("image fetched %d times", n)
	}
	if n := f.upstream.count("/fonts/a.woff2"); n != 1 {
		t.Fatalf("font fetched %d times", n)
	}

	f.transport.offline.Store(true)
	if resp := f.layer.Handle(get("/icons/b.png", "Sec-Fetch-Dest", "image")); resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("uncached image offline: %d", resp.Status)
	}
}

func TestImageCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, nil)
	for i := 0; i < imageExpiration.MaxEntries+5; i++ {
		f.layer.Handle(get(fmt.Sprintf("/icons/%d.png", i), "Sec-Fetch-Dest", "image"))
	}
	kept := 0
	for i := 0; i < imageExpiration.MaxEntries+5; i++ {
		if _, ok, _ := f.layer.images.Match(ctx, fmt.Sprintf("/icons/%d.png", i)); ok {
			kept++
		}
	}
	if kept != imageExpiration.MaxEntries {
		t.Fatalf("image cache holds %d entries, want %d", kept, imageExpiration.MaxEntries)
	}
}

func TestGenericFallsBackToAnyCache(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, nil)
	if err := f.layer.Install(ctx); err != nil {
		t.Fatal(err)
	}
	f.transport.offline.Store(true)

	if resp := f.layer.Handle(get("/offline.html")); resp.Status != http.StatusOK || string(resp.Body) != "offline page" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	if resp := f.layer.Handle(get("/manifest.json")); resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("got %d", resp.Status)
	}
}

func TestActivateDropsOtherCaches(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, nil)
	if err := f.store.Save(ctx, 1, []byte("keep me"), "Kept"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"api-cache-v1", "audiobook-library-v2", "api-cache-v2"} {
		if err := f.caches.Open(name, cache.Expiration{}).Put(ctx, "/k", &cache.Entry{Status: 200}); err != nil {
			t.Fatal(err)
		}
	}

	dropped, err := f.layer.Activate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 2 {
		t.Fatalf("dropped = %v", dropped)
	}
	names, _ := f.caches.Names(ctx)
	if len(names) != 1 || names[0] != "api-cache-v2" {
		t.Fatalf("remaining = %v", names)
	}
	if has, _ := f.store.Has(ctx, 1); !has {
		t.Fatal("activation must not touch the blob store")
	}
}

func TestObjectURLReadsStore(t *testing.T) {
	ctx := context.Background()
	f := newTestLayer(t, nil)
	if err := f.store.Save(ctx, 5, testBlob(16), "Five"); err != nil {
		t.Fatal(err)
	}
	url := f.urls.Create(5)
	path := "/blob/" + url[strings.LastIndex(url, "/")+1:]

	rec := httptest.NewRecorder()
	f.layer.ServeHTTP(rec, get(path))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), testBlob(16)) {
		t.Fatalf("object URL: %d, %d bytes", rec.Code, rec.Body.Len())
	}

	if err := f.store.Delete(ctx, 5); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	f.layer.ServeHTTP(rec, get(path))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("removed record: %d", rec.Code)
	}

	f.urls.Revoke(url)
	if f.urls.Len() != 0 {
		t.Fatalf("live URLs after revoke = %d", f.urls.Len())
	}
}

func TestServeHTTP(t *testing.T) {
	f := newTestLayer(t, nil)
	if err := f.store.Save(context.Background(), 77, testBlob(64), "Seventy-seven"); err != nil {
		t.Fatal(err)
	}
	url := f.urls.Create(77)
	token := url[strings.LastIndex(url, "/")+1:]

	rec := httptest.NewRecorder()
	f.layer.ServeHTTP(rec, get("/blob/"+token, "Range", "bytes=60-"))
	if rec.Code != http.StatusPartialContent || rec.Body.Len() != 4 {
		t.Fatalf("object URL: %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") != "4" {
		t.Fatalf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}

	rec = httptest.NewRecorder()
	f.layer.ServeHTTP(rec, get("/blob/unknown"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token: %d", rec.Code)
	}

	f.transport.offline.Store(true)
	rec = httptest.NewRecorder()
	f.layer.ServeHTTP(rec, get("/api/anything"))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != offlineAPIBody {
		t.Fatalf("api through router: %d %q", rec.Code, rec.Body.String())
	}
}
