package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/audioshelf/internal/logging"
	"github.com/maneesh/audioshelf/internal/models"
)

func newTestBoltStore(t *testing.T, maxBytes int64) *BoltStore {
	t.Helper()
	s := NewBoltStore(filepath.Join(t.TempDir(), "audio.db"), maxBytes, logging.Null())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)

	payloads := [][]byte{
		{},
		{0x00},
		bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 1000),
	}
	for i, payload := range payloads {
		id := int64(i + 1)
		if err := s.Save(ctx, id, payload, "t"); err != nil {
			t.Fatalf("save %d: %v", id, err)
		}
		got, ok, err := s.Get(ctx, id)
		if err != nil || !ok {
			t.Fatalf("get %d: ok=%v err=%v", id, ok, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload %d mismatch", id)
		}
	}
}

func TestBoltStoreOverwriteReplacesRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)

	if err := s.Save(ctx, 1, []byte("first version"), "one"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, 1, []byte("v2"), "one again"); err != nil {
		t.Fatal(err)
	}

	got, _, _ := s.Get(ctx, 1)
	if string(got) != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
	info, err := s.StorageInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Count != 1 || info.TotalSize != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Files[0].Title != "one again" {
		t.Fatalf("title not replaced: %q", info.Files[0].Title)
	}
}

func TestBoltStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)

	blob, ok, err := s.Get(ctx, 999)
	if err != nil || ok || blob != nil {
		t.Fatalf("get missing: blob=%v ok=%v err=%v", blob, ok, err)
	}
	has, err := s.Has(ctx, 999)
	if err != nil || has {
		t.Fatalf("has missing: %v %v", has, err)
	}
	if err := s.Delete(ctx, 999); err != nil {
		t.Fatalf("delete missing should be a no-op: %v", err)
	}
}

func TestBoltStoreStorageAggregation(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)
	clock := time.UnixMilli(1000)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	for i, size := range []int{100, 200, 300} {
		if err := s.Save(ctx, int64(10-i), make([]byte, size), "book"); err != nil {
			t.Fatal(err)
		}
	}

	info, err := s.StorageInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Count != 3 || info.TotalSize != 600 {
		t.Fatalf("count=%d total=%d", info.Count, info.TotalSize)
	}
	// Ordered by timestamp, not id
	if info.Files[0].ID != 10 || info.Files[2].ID != 8 {
		t.Fatalf("unexpected order %+v", info.Files)
	}

	ids, err := s.ListDownloadedIDs(ctx)
	if err != nil || len(ids) != 3 {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
}

func TestBoltStoreDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)

	for id := int64(1); id <= 3; id++ {
		if err := s.Save(ctx, id, []byte("x"), "b"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Delete(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if has, _ := s.Has(ctx, 2); has {
		t.Fatal("record 2 should be gone")
	}
	info, _ := s.StorageInfo(ctx)
	if info.Count != 2 {
		t.Fatalf("count after delete = %d", info.Count)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	ids, _ := s.ListDownloadedIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("ids after clear = %v", ids)
	}
}

func TestBoltStoreQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 10)

	if err := s.Save(ctx, 1, make([]byte, 8), "a"); err != nil {
		t.Fatal(err)
	}
	err := s.Save(ctx, 2, make([]byte, 3), "b")
	var se *models.StorageError
	if !errors.As(err, &se) || !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected quota StorageError, got %v", err)
	}
	if has, _ := s.Has(ctx, 2); has {
		t.Fatal("rejected write must not be visible")
	}
	// Replacing an existing record only counts the difference
	if err := s.Save(ctx, 1, make([]byte, 10), "a"); err != nil {
		t.Fatalf("replacement within quota failed: %v", err)
	}
}

func TestBoltStoreRejectsInvalidID(t *testing.T) {
	s := newTestBoltStore(t, 0)
	if err := s.Save(context.Background(), 0, []byte("x"), "bad"); !errors.Is(err, models.ErrInvalidID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestBoltStoreConcurrentInit(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("init failed: %v", err)
		}
	}
	if err := s.Save(ctx, 5, []byte("ok"), "five"); err != nil {
		t.Fatal(err)
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audio.db")

	first := NewBoltStore(path, 0, logging.Null())
	if err := first.Save(ctx, 42, []byte("chapter"), "Chapter 1"); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := NewBoltStore(path, 0, logging.Null())
	defer second.Close()
	got, ok, err := second.Get(ctx, 42)
	if err != nil || !ok || string(got) != "chapter" {
		t.Fatalf("after reopen: %q %v %v", got, ok, err)
	}
}
