package storage

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/maneesh/audioshelf/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("audioshelf-storage")

// BlobStore persists downloaded audio keyed by audiobook id.
//
// Every method initializes the store lazily. Get and Has report a missing id
// as (nil, false, nil) / (false, nil); Delete of a missing id is a no-op.
// Write failures are returned as *models.StorageError.
type BlobStore interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, id int64, blob []byte, title string) error
	Get(ctx context.Context, id int64) ([]byte, bool, error)
	Has(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	ListDownloadedIDs(ctx context.Context) ([]int64, error)
	StorageInfo(ctx context.Context) (*models.StorageInfo, error)
	ClearAll(ctx context.Context) error
	Close() error
}

// lazyInit runs an open function once it succeeds. Concurrent callers block
// on the in-flight attempt and share its outcome; a failed attempt is retried
// by the next caller.
type lazyInit struct {
	done atomic.Bool
	mu   sync.Mutex
}

func (l *lazyInit) do(fn func() error) error {
	if l.done.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done.Load() {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	l.done.Store(true)
	return nil
}

func (l *lazyInit) reset() {
	l.mu.Lock()
	l.done.Store(false)
	l.mu.Unlock()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
