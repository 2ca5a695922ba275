package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maneesh/audioshelf/internal/models"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Bucket names. Metadata lives apart from the payload so Has and StorageInfo
// never page audio bytes in.
var (
	bucketMeta    = []byte("audio_meta")
	bucketBlob    = []byte("audio_blob")
	bucketByStamp = []byte("audio_by_timestamp")
)

// BoltStore implements BlobStore on a single BoltDB file
type BoltStore struct {
	path     string
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger

	init lazyInit
	db   *bolt.DB
}

// NewBoltStore creates a store backed by the database file at path.
// maxBytes <= 0 disables the quota. The file is opened on first use.
func NewBoltStore(path string, maxBytes int64, logger *slog.Logger) *BoltStore {
	return &BoltStore{
		path:     path,
		maxBytes: maxBytes,
		now:      time.Now,
		logger:   logger,
	}
}

// Init opens the database and creates the buckets. Safe to call repeatedly.
func (s *BoltStore) Init(ctx context.Context) error {
	return s.init.do(func() error {
		_, span := tracer.Start(ctx, "bolt.init", trace.WithAttributes(attribute.String("path", s.path)))
		defer span.End()

		if dir := filepath.Dir(s.path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				span.RecordError(err)
				return models.NewStorageError("init", err)
			}
		}

		db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			span.RecordError(err)
			return models.NewStorageError("init", fmt.Errorf("failed to open bolt db: %w", err))
		}

		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketMeta, bucketBlob, bucketByStamp} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			span.RecordError(err)
			return models.NewStorageError("init", err)
		}

		s.db = db
		s.logger.Info("blob store opened", "backend", "bolt", "path", s.path)
		return nil
	})
}

// Close releases the database file
func (s *BoltStore) Close() error {
	if !s.init.done.Load() {
		return nil
	}
	err := s.db.Close()
	s.init.reset()
	return err
}

// Save writes or fully replaces the record for id in one transaction
func (s *BoltStore) Save(ctx context.Context, id int64, blob []byte, title string) error {
	ctx, span := tracer.Start(ctx, "bolt.save",
		trace.WithAttributes(
			attribute.Int64("audio_id", id),
			attribute.Int("size_bytes", len(blob)),
		),
	)
	defer span.End()

	if id <= 0 {
		return models.NewStorageError("save", models.ErrInvalidID)
	}
	if err := s.ready(ctx); err != nil {
		return err
	}

	record := models.NewAudioRecord(id, blob, title, s.now())
	meta, err := json.Marshal(record.Summary())
	if err != nil {
		return models.NewStorageError("save", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		stamps := tx.Bucket(bucketByStamp)
		key := itob(id)

		var previous *models.RecordSummary
		if raw := metas.Get(key); raw != nil {
			var old models.RecordSummary
			if err := json.Unmarshal(raw, &old); err != nil {
				return fmt.Errorf("corrupt metadata for %d: %w", id, err)
			}
			previous = &old
		}

		if s.maxBytes > 0 {
			total, err := totalSize(metas)
			if err != nil {
				return err
			}
			if previous != nil {
				total -= previous.Size
			}
			if total+record.Size > s.maxBytes {
				return models.ErrQuotaExceeded
			}
		}

		if previous != nil {
			if err := stamps.Delete(stampKey(previous.Timestamp, id)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketBlob).Put(key, blob); err != nil {
			return err
		}
		if err := metas.Put(key, meta); err != nil {
			return err
		}
		return stamps.Put(stampKey(record.Timestamp, id), nil)
	})
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("save", err)
	}

	span.SetAttributes(attribute.Bool("save_success", true))
	return nil
}

// Get returns a copy of the blob for id
func (s *BoltStore) Get(ctx context.Context, id int64) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "bolt.get", trace.WithAttributes(attribute.Int64("audio_id", id)))
	defer span.End()

	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}

	var data []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		key := itob(id)
		if tx.Bucket(bucketMeta).Get(key) == nil {
			return nil
		}
		v := tx.Bucket(bucketBlob).Get(key)
		data = make([]byte, len(v))
		copy(data, v)
		found = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get", err)
	}

	span.SetAttributes(attribute.Bool("found", found))
	return data, found, nil
}

// Has reports whether a record exists without reading the payload
func (s *BoltStore) Has(ctx context.Context, id int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketMeta).Get(itob(id)) != nil
		return nil
	})
	if err != nil {
		return false, models.NewStorageError("has", err)
	}
	return found, nil
}

// Delete removes the record for id. Missing ids are ignored.
func (s *BoltStore) Delete(ctx context.Context, id int64) error {
	ctx, span := tracer.Start(ctx, "bolt.delete", trace.WithAttributes(attribute.Int64("audio_id", id)))
	defer span.End()

	if err := s.ready(ctx); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		key := itob(id)
		metas := tx.Bucket(bucketMeta)
		raw := metas.Get(key)
		if raw == nil {
			return nil
		}
		var old models.RecordSummary
		if err := json.Unmarshal(raw, &old); err == nil {
			if err := tx.Bucket(bucketByStamp).Delete(stampKey(old.Timestamp, id)); err != nil {
				return err
			}
		}
		if err := metas.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketBlob).Delete(key)
	})
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("delete", err)
	}
	return nil
}

// ListDownloadedIDs returns every stored id in key order
func (s *BoltStore) ListDownloadedIDs(ctx context.Context) ([]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	ids := []int64{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, _ []byte) error {
			ids = append(ids, btoi(k))
			return nil
		})
	})
	if err != nil {
		return nil, models.NewStorageError("list", err)
	}
	return ids, nil
}

// StorageInfo summarizes all records, oldest first
func (s *BoltStore) StorageInfo(ctx context.Context) (*models.StorageInfo, error) {
	ctx, span := tracer.Start(ctx, "bolt.storage_info")
	defer span.End()

	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	info := &models.StorageInfo{Files: []models.RecordSummary{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		return tx.Bucket(bucketByStamp).ForEach(func(k, _ []byte) error {
			raw := metas.Get(k[8:])
			if raw == nil {
				return nil
			}
			var summary models.RecordSummary
			if err := json.Unmarshal(raw, &summary); err != nil {
				return err
			}
			info.Files = append(info.Files, summary)
			info.Count++
			info.TotalSize += summary.Size
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("storage_info", err)
	}

	span.SetAttributes(
		attribute.Int("record_count", info.Count),
		attribute.Int64("total_size", info.TotalSize),
	)
	return info, nil
}

// ClearAll drops every record
func (s *BoltStore) ClearAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "bolt.clear_all")
	defer span.End()

	if err := s.ready(ctx); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketBlob, bucketByStamp} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("clear_all", err)
	}
	return nil
}

func (s *BoltStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return models.NewStorageError("init", err)
	}
	return s.Init(ctx)
}

func totalSize(metas *bolt.Bucket) (int64, error) {
	var total int64
	err := metas.ForEach(func(_, v []byte) error {
		var summary models.RecordSummary
		if err := json.Unmarshal(v, &summary); err != nil {
			return err
		}
		total += summary.Size
		return nil
	})
	return total, err
}

// stampKey orders the timestamp index by time, then id
func stampKey(timestamp, id int64) []byte {
	return append(itob(timestamp), itob(id)...)
}
