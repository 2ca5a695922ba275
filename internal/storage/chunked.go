package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/audioshelf/internal/chunker"
	"github.com/maneesh/audioshelf/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// chunkObjects is the object-store side of ChunkedStore
type chunkObjects interface {
	EnsureBucket(ctx context.Context) error
	UploadChunk(ctx context.Context, objectKey string, data []byte) error
	DownloadChunk(ctx context.Context, objectKey string) ([]byte, error)
	DeleteChunks(ctx context.Context, objectKeys []string) error
}

// chunkIndex is the metadata side of ChunkedStore
type chunkIndex interface {
	EnsureSchema(ctx context.Context) error
	ReplaceRecord(ctx context.Context, rec *models.AudioRecord, generation string, chunks []*models.Chunk, maxBytes int64) ([]string, error)
	GetChunks(ctx context.Context, id int64) ([]*models.Chunk, bool, error)
	RecordExists(ctx context.Context, id int64) (bool, error)
	DeleteRecord(ctx context.Context, id int64) ([]string, error)
	DeleteAll(ctx context.Context) ([]string, error)
	ListRecords(ctx context.Context) ([]models.RecordSummary, error)
	Close() error
}

// ChunkedStore implements BlobStore with audio bytes split into MinIO objects
// and the record index in TiDB. A record becomes visible only when its index
// transaction commits; chunks of a superseded generation are removed after.
type ChunkedStore struct {
	objects  chunkObjects
	index    chunkIndex
	chunker  *chunker.Chunker
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger

	init lazyInit
}

// NewChunkedStore combines an object client and a metadata client
func NewChunkedStore(objects *MinioClient, index *TiDBClient, c *chunker.Chunker, maxBytes int64, logger *slog.Logger) *ChunkedStore {
	return newChunkedStore(objects, index, c, maxBytes, logger)
}

func newChunkedStore(objects chunkObjects, index chunkIndex, c *chunker.Chunker, maxBytes int64, logger *slog.Logger) *ChunkedStore {
	return &ChunkedStore{
		objects:  objects,
		index:    index,
		chunker:  c,
		maxBytes: maxBytes,
		now:      time.Now,
		logger:   logger,
	}
}

// Init ensures the bucket and tables exist
func (s *ChunkedStore) Init(ctx context.Context) error {
	return s.init.do(func() error {
		if err := s.objects.EnsureBucket(ctx); err != nil {
			return models.NewStorageError("init", err)
		}
		if err := s.index.EnsureSchema(ctx); err != nil {
			return models.NewStorageError("init", err)
		}
		s.logger.Info("blob store opened", "backend", "minio")
		return nil
	})
}

// Close releases the metadata connection pool
func (s *ChunkedStore) Close() error {
	return s.index.Close()
}

// Save uploads the blob as a new generation of chunks and then swaps the index
func (s *ChunkedStore) Save(ctx context.Context, id int64, blob []byte, title string) error {
	ctx, span := tracer.Start(ctx, "chunked.save",
		trace.WithAttributes(
			attribute.Int64("audio_id", id),
			attribute.Int("size_bytes", len(blob)),
		),
	)
	defer span.End()

	if id <= 0 {
		return models.NewStorageError("save", models.ErrInvalidID)
	}
	if err := s.Init(ctx); err != nil {
		return err
	}

	record := models.NewAudioRecord(id, blob, title, s.now())
	generation := uuid.New().String()

	chunks, err := s.uploadChunks(ctx, id, generation, s.chunker.SplitBytes(blob))
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("save", err)
	}

	oldKeys, err := s.index.ReplaceRecord(ctx, record, generation, chunks, s.maxBytes)
	if err != nil {
		span.RecordError(err)
		s.removeObjects(ctx, objectKeys(chunks))
		return models.NewStorageError("save", err)
	}

	s.removeObjects(ctx, oldKeys)
	return nil
}

func (s *ChunkedStore) uploadChunks(ctx context.Context, id int64, generation string, data []*models.ChunkData) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "upload_chunks",
		trace.WithAttributes(
			attribute.Int("chunk_count", len(data)),
		),
	)
	defer span.End()

	var chunks []*models.Chunk
	for _, chunkData := range data {
		objectKey := fmt.Sprintf("audio/%d/%s/%d", id, generation, chunkData.OrderIndex)

		if err := s.objects.UploadChunk(ctx, objectKey, chunkData.Data); err != nil {
			span.RecordError(err)
			s.removeObjects(ctx, objectKeys(chunks))
			return nil, fmt.Errorf("failed to upload chunk %d: %w", chunkData.OrderIndex, err)
		}

		chunks = append(chunks, &models.Chunk{
			ID:             uuid.New().String(),
			AudioID:        id,
			Generation:     generation,
			OrderIndex:     chunkData.OrderIndex,
			Hash:           chunkData.Hash,
			MinioObjectKey: objectKey,
			Size:           chunkData.Size,
		})
	}
	return chunks, nil
}

// Get fetches every chunk in parallel, verifies hashes and reassembles the blob
func (s *ChunkedStore) Get(ctx context.Context, id int64) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "chunked.get", trace.WithAttributes(attribute.Int64("audio_id", id)))
	defer span.End()

	if err := s.Init(ctx); err != nil {
		return nil, false, err
	}

	chunks, found, err := s.index.GetChunks(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get", err)
	}
	if !found {
		return nil, false, nil
	}

	data, err := s.fetchChunksParallel(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get", err)
	}
	return chunker.ReassembleChunks(data), true, nil
}

func (s *ChunkedStore) fetchChunksParallel(ctx context.Context, chunkMetadata []*models.Chunk) ([][]byte, error) {
	ctx, fetchSpan := tracer.Start(ctx, "fetch_chunks_parallel",
		trace.WithAttributes(
			attribute.Int("chunk_count", len(chunkMetadata)),
		),
	)
	defer fetchSpan.End()

	chunkData := make([][]byte, len(chunkMetadata))
	var wg sync.WaitGroup
	errChan := make(chan error, len(chunkMetadata))

	for i, meta := range chunkMetadata {
		wg.Add(1)
		go func(idx int, chunkMeta *models.Chunk) {
			defer wg.Done()

			data, err := s.objects.DownloadChunk(ctx, chunkMeta.MinioObjectKey)
			if err != nil {
				errChan <- fmt.Errorf("failed to download chunk %d: %w", idx, err)
				return
			}
			if !chunker.VerifyChunkHash(data, chunkMeta.Hash) {
				errChan <- fmt.Errorf("hash mismatch for chunk %d", idx)
				return
			}
			chunkData[idx] = data
		}(i, meta)
	}

	wg.Wait()
	close(errChan)

	if err, ok := <-errChan; ok {
		fetchSpan.RecordError(err)
		return nil, err
	}
	return chunkData, nil
}

// Has checks the index only
func (s *ChunkedStore) Has(ctx context.Context, id int64) (bool, error) {
	if err := s.Init(ctx); err != nil {
		return false, err
	}
	found, err := s.index.RecordExists(ctx, id)
	if err != nil {
		return false, models.NewStorageError("has", err)
	}
	return found, nil
}

// Delete removes the index rows, then the objects. Missing ids are ignored.
func (s *ChunkedStore) Delete(ctx context.Context, id int64) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	keys, err := s.index.DeleteRecord(ctx, id)
	if err != nil {
		return models.NewStorageError("delete", err)
	}
	s.removeObjects(ctx, keys)
	return nil
}

// ListDownloadedIDs returns every stored id
func (s *ChunkedStore) ListDownloadedIDs(ctx context.Context) ([]int64, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	records, err := s.index.ListRecords(ctx)
	if err != nil {
		return nil, models.NewStorageError("list", err)
	}
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// StorageInfo summarizes the index
func (s *ChunkedStore) StorageInfo(ctx context.Context) (*models.StorageInfo, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	records, err := s.index.ListRecords(ctx)
	if err != nil {
		return nil, models.NewStorageError("storage_info", err)
	}
	info := &models.StorageInfo{Count: len(records), Files: records}
	for _, r := range records {
		info.TotalSize += r.Size
	}
	return info, nil
}

// ClearAll drops every record and its objects
func (s *ChunkedStore) ClearAll(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	keys, err := s.index.DeleteAll(ctx)
	if err != nil {
		return models.NewStorageError("clear_all", err)
	}
	s.removeObjects(ctx, keys)
	return nil
}

// removeObjects deletes unreferenced chunk objects. Failures only leak
// storage, so they are logged.
func (s *ChunkedStore) removeObjects(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.objects.DeleteChunks(context.WithoutCancel(ctx), keys); err != nil {
		s.logger.Warn("failed to remove chunk objects", "count", len(keys), "error", err)
	}
}

func objectKeys(chunks []*models.Chunk) []string {
	keys := make([]string, 0, len(chunks))
	for _, c := range chunks {
		keys = append(keys, c.MinioObjectKey)
	}
	return keys
}
