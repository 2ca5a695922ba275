// Package downloader fetches remote audio into the blob store.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/maneesh/audioshelf/internal/chunker"
	"github.com/maneesh/audioshelf/internal/models"
	"github.com/maneesh/audioshelf/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("audioshelf-downloader")

// ProgressFunc receives the completed percentage, 0 to 100
type ProgressFunc func(percent float64)

// Downloader streams audio and commits it to the store only after the whole
// body arrived. It never retries; see netx.RetryOperation for callers that
// want a policy.
type Downloader struct {
	client  *http.Client
	store   storage.BlobStore
	chunker *chunker.Chunker
	logger  *slog.Logger
}

// New creates a downloader
func New(client *http.Client, store storage.BlobStore, c *chunker.Chunker, logger *slog.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{
		client:  client,
		store:   store,
		chunker: c,
		logger:  logger,
	}
}

// DownloadAndSave fetches url and stores the body under id.
//
// A non-2xx response fails with *models.DownloadError, a transport failure or
// truncated body with *models.NetworkError, and a rejected write with
// *models.StorageError. In every failure case the store is left untouched.
func (d *Downloader) DownloadAndSave(ctx context.Context, id int64, url, title string, onProgress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "download_and_save",
		trace.WithAttributes(
			attribute.Int64("audio_id", id),
			attribute.String("url", url),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		return &models.NetworkError{URL: url, Err: err}
	}

	d.logger.Info("download started", "audio_id", id, "title", title)
	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return &models.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		err := &models.DownloadError{URL: url, StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		span.RecordError(err)
		return err
	}

	total := contentLength(resp)
	span.SetAttributes(
		attribute.Int64("content_length", total),
		attribute.String("content_type", resp.Header.Get("Content-Type")),
	)

	var parts [][]byte
	var received int64
	loaded, err := d.chunker.StreamChunks(resp.Body, func(chunk *models.ChunkData) error {
		parts = append(parts, chunk.Data)
		received += chunk.Size
		if onProgress != nil && total > 0 {
			onProgress(percent(received, total))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("download interrupted", "audio_id", id, "received", loaded, "error", err)
		return &models.NetworkError{URL: url, Err: err}
	}
	if ctx.Err() != nil {
		return &models.NetworkError{URL: url, Err: ctx.Err()}
	}

	blob := chunker.ReassembleChunks(parts)
	if err := d.store.Save(ctx, id, blob, title); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save audio %d: %w", id, err)
	}

	span.SetAttributes(attribute.Int64("bytes_saved", loaded))
	d.logger.Info("download completed", "audio_id", id, "bytes", loaded)
	return nil
}

// IsRetryable reports whether a DownloadAndSave error is worth another attempt.
// Transport failures and 5xx/429 responses are; everything else is not.
func IsRetryable(err error) bool {
	var ne *models.NetworkError
	if errors.As(err, &ne) {
		return !errors.Is(err, context.Canceled)
	}
	var de *models.DownloadError
	if errors.As(err, &de) {
		return de.StatusCode >= 500 || de.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && v > 0 {
		return v
	}
	return 0
}

func percent(loaded, total int64) float64 {
	p := float64(loaded) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
