package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/maneesh/audioshelf/internal/chunker"
	"github.com/maneesh/audioshelf/internal/logging"
	"github.com/maneesh/audioshelf/internal/models"
	"github.com/maneesh/audioshelf/internal/storage"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s := storage.NewBoltStore(filepath.Join(t.TempDir(), "audio.db"), 0, logging.Null())
	t.Cleanup(func() { s.Close() })
	return s
}

func audioServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stream/42":
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Write(payload)
		case "/api/stream/43":
			// truncated: advertise the full length, send part, drop the connection
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Write(payload[:len(payload)/2])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		case "/api/stream/44":
			// no Content-Length: chunked transfer encoding
			w.Write(payload[:10])
			w.(http.Flusher).Flush()
			w.Write(payload[10:])
		case "/api/stream/500":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadAndSaveEndToEnd(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	srv := audioServer(t, payload)
	store := newTestStore(t)
	d := New(srv.Client(), store, chunker.NewChunker(200), logging.Null())

	var progress []float64
	err := d.DownloadAndSave(ctx, 42, srv.URL+"/api/stream/42", "Chapter 1", func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(progress) != 5 {
		t.Fatalf("expected 5 progress callbacks, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("final progress = %v", progress[len(progress)-1])
	}

	has, err := store.Has(ctx, 42)
	if err != nil || !has {
		t.Fatalf("has(42) = %v, %v", has, err)
	}
	got, _, _ := store.Get(ctx, 42)
	if !bytes.Equal(got, payload) {
		t.Fatal("stored payload mismatch")
	}
	info, _ := store.StorageInfo(ctx)
	if info.Files[0].Title != "Chapter 1" || info.Files[0].Size != 1000 {
		t.Fatalf("unexpected record %+v", info.Files[0])
	}
}

func TestDownloadAndSaveInterruptedWritesNothing(t *testing.T) {
	ctx := context.Background()
	srv := audioServer(t, bytes.Repeat([]byte{1}, 1000))
	store := newTestStore(t)
	d := New(srv.Client(), store, chunker.NewChunker(100), logging.Null())

	var calls int
	err := d.DownloadAndSave(ctx, 43, srv.URL+"/api/stream/43", "Broken", func(float64) { calls++ })
	var ne *models.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if calls == 0 {
		t.Fatal("expected progress for the bytes that did arrive")
	}
	if has, _ := store.Has(ctx, 43); has {
		t.Fatal("partial download must not be stored")
	}
	if !IsRetryable(err) {
		t.Fatal("interrupted transfer should be retryable")
	}
}

func TestDownloadAndSaveFailureKeepsPreviousRecord(t *testing.T) {
	ctx := context.Background()
	srv := audioServer(t, bytes.Repeat([]byte{1}, 1000))
	store := newTestStore(t)
	if err := store.Save(ctx, 43, []byte("previous copy"), "Old"); err != nil {
		t.Fatal(err)
	}

	d := New(srv.Client(), store, chunker.NewChunker(100), logging.Null())
	if err := d.DownloadAndSave(ctx, 43, srv.URL+"/api/stream/43", "New", nil); err == nil {
		t.Fatal("expected failure")
	}
	got, _, _ := store.Get(ctx, 43)
	if string(got) != "previous copy" {
		t.Fatalf("store changed by failed download: %q", got)
	}
}

func TestDownloadAndSaveHTTPError(t *testing.T) {
	ctx := context.Background()
	srv := audioServer(t, nil)
	store := newTestStore(t)
	d := New(srv.Client(), store, chunker.NewChunker(100), logging.Null())

	err := d.DownloadAndSave(ctx, 500, srv.URL+"/api/stream/500", "x", nil)
	var de *models.DownloadError
	if !errors.As(err, &de) || de.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected DownloadError 500, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("5xx should be retryable")
	}

	err = d.DownloadAndSave(ctx, 404, srv.URL+"/api/stream/404", "x", nil)
	if !errors.As(err, &de) || de.StatusCode != http.StatusNotFound {
		t.Fatalf("expected DownloadError 404, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("404 should not be retryable")
	}
	ids, _ := store.ListDownloadedIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("nothing should be stored, got %v", ids)
	}
}

func TestDownloadAndSaveUnknownLengthSkipsProgress(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte{7}, 300)
	srv := audioServer(t, payload)
	store := newTestStore(t)
	d := New(srv.Client(), store, chunker.NewChunker(64), logging.Null())

	called := false
	if err := d.DownloadAndSave(ctx, 44, srv.URL+"/api/stream/44", "Chunked", func(float64) { called = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("progress must not be reported without a known total")
	}
	got, _, _ := store.Get(ctx, 44)
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestDownloadAndSaveCanceledContext(t *testing.T) {
	srv := audioServer(t, bytes.Repeat([]byte{1}, 10))
	store := newTestStore(t)
	d := New(srv.Client(), store, chunker.NewChunker(4), logging.Null())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.DownloadAndSave(ctx, 42, srv.URL+"/api/stream/42", "x", nil)
	var ne *models.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("caller cancellation is not retryable")
	}
}
