package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/maneesh/audioshelf/internal/downloader"
	"github.com/maneesh/audioshelf/internal/models"
	"github.com/maneesh/audioshelf/internal/netx"
	"github.com/maneesh/audioshelf/internal/resolver"
	"github.com/maneesh/audioshelf/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Catalog describes audiobooks known to the backend
type Catalog interface {
	GetAudiobook(ctx context.Context, id int64) (*models.Audiobook, error)
	StreamURL(id int64) string
}

// Fetcher downloads one audiobook into the blob store
type Fetcher interface {
	DownloadAndSave(ctx context.Context, id int64, url, title string, onProgress downloader.ProgressFunc) error
}

// DownloadHandler runs "download for offline" jobs
type DownloadHandler struct {
	catalog Catalog
	fetcher Fetcher
	store   storage.BlobStore
	sources *resolver.Registry
	retry   netx.RetryOptions
	logger  *slog.Logger

	// jobs outlive the request that started them
	baseCtx context.Context
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[int64]*models.DownloadState
}

// NewDownloadHandler creates a download handler. Jobs run until they finish
// or ctx is canceled.
func NewDownloadHandler(
	ctx context.Context,
	catalog Catalog,
	fetcher Fetcher,
	store storage.BlobStore,
	sources *resolver.Registry,
	retry netx.RetryOptions,
	logger *slog.Logger,
) *DownloadHandler {
	return &DownloadHandler{
		catalog: catalog,
		fetcher: fetcher,
		store:   store,
		sources: sources,
		retry:   retry,
		logger:  logger,
		baseCtx: ctx,
		jobs:    make(map[int64]*models.DownloadState),
	}
}

// ServeHTTP handles POST /offline/audiobooks/{id}[?replace=true]
func (dh *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "start_download",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := audiobookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.Int64("audio_id", id))

	if dh.running(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("audiobook %d is already downloading", id))
		return
	}

	cached, err := dh.store.Has(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if cached {
		if r.URL.Query().Get("replace") != "true" {
			writeError(w, http.StatusConflict, fmt.Sprintf("audiobook %d is already available offline", id))
			return
		}
		dh.logger.Info("replacing offline copy", "audio_id", id)
		if err := dh.store.Delete(ctx, id); err != nil {
			span.RecordError(err)
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	title := dh.title(ctx, id)
	state, ok := dh.begin(id, title)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("audiobook %d is already downloading", id))
		return
	}

	dh.wg.Add(1)
	go dh.run(id, title)

	writeJSON(w, http.StatusAccepted, state)
}

// Status handles GET /offline/downloads/{id}
func (dh *DownloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := audiobookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, ok := dh.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no download for audiobook %d", id))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// State returns a snapshot of the job for id
func (dh *DownloadHandler) State(id int64) (models.DownloadState, bool) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	s, ok := dh.jobs[id]
	if !ok {
		return models.DownloadState{}, false
	}
	return *s, true
}

// Wait blocks until every started job has finished
func (dh *DownloadHandler) Wait() {
	dh.wg.Wait()
}

func (dh *DownloadHandler) running(id int64) bool {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	s, ok := dh.jobs[id]
	return ok && s.Status == models.DownloadRunning
}

func (dh *DownloadHandler) begin(id int64, title string) (models.DownloadState, bool) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	if s, ok := dh.jobs[id]; ok && s.Status == models.DownloadRunning {
		return models.DownloadState{}, false
	}
	s := &models.DownloadState{
		AudiobookID: id,
		Title:       title,
		Status:      models.DownloadRunning,
		StartedAt:   time.Now(),
	}
	dh.jobs[id] = s
	return *s, true
}

func (dh *DownloadHandler) title(ctx context.Context, id int64) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	book, err := dh.catalog.GetAudiobook(ctx, id)
	if err != nil || book.Title == "" {
		dh.logger.Warn("could not fetch audiobook title", "audio_id", id, "error", err)
		return fmt.Sprintf("Audiobook %d", id)
	}
	return book.Title
}

func (dh *DownloadHandler) run(id int64, title string) {
	defer dh.wg.Done()
	ctx, span := tracer.Start(dh.baseCtx, "download_job",
		trace.WithAttributes(attribute.Int64("audio_id", id)),
	)
	defer span.End()

	url := dh.catalog.StreamURL(id)
	progress := func(p float64) {
		dh.mu.Lock()
		dh.jobs[id].Progress = p
		dh.mu.Unlock()
	}

	_, err := netx.RetryOperation(ctx, dh.retry, func(attempt int) (struct{}, error) {
		if attempt > 0 {
			dh.logger.Info("retrying download", "audio_id", id, "attempt", attempt)
			progress(0)
		}
		err := dh.fetcher.DownloadAndSave(ctx, id, url, title, progress)
		if err != nil && !downloader.IsRetryable(err) {
			return struct{}{}, netx.Permanent(err)
		}
		return struct{}{}, err
	})

	dh.mu.Lock()
	s := dh.jobs[id]
	s.FinishedAt = time.Now()
	if err != nil {
		s.Status = models.DownloadFailed
		s.Error = err.Error()
	} else {
		s.Status = models.DownloadCompleted
		s.Progress = 100
	}
	dh.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		dh.logger.Error("offline download failed", "audio_id", id, "error", err)
		return
	}
	dh.logger.Info("audiobook available offline", "audio_id", id, "title", title)
	dh.sources.RefreshIfOpen(ctx, id)
}
