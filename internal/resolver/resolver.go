// Package resolver decides where an audiobook should be played from.
//
// Priority is fixed: a copy in the blob store wins over the backend stream,
// which wins over nothing. Failures never escape; they degrade to
// models.SourceUnavailable.
package resolver

import (
	"context"
	"log/slog"

	"github.com/maneesh/audioshelf/internal/models"
	"github.com/maneesh/audioshelf/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("audioshelf-resolver")

// StreamURLer derives the backend stream URL for an audiobook
type StreamURLer interface {
	StreamURL(id int64) string
}

// Resolver computes AudioSourceInfo values
type Resolver struct {
	store   storage.BlobStore
	streams StreamURLer
	urls    *ObjectURLs
	logger  *slog.Logger
}

// New creates a resolver
func New(store storage.BlobStore, streams StreamURLer, urls *ObjectURLs, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		streams: streams,
		urls:    urls,
		logger:  logger,
	}
}

// URLs returns the registry cached sources are minted in
func (r *Resolver) URLs() *ObjectURLs { return r.urls }

// Resolve runs one resolution for id. A Cached result carries a freshly
// minted object URL which the caller owns and must revoke. The URL is served
// from the store, so a record removed afterwards makes it answer 404.
func (r *Resolver) Resolve(ctx context.Context, id int64, online bool) models.AudioSourceInfo {
	ctx, span := tracer.Start(ctx, "resolve_source",
		trace.WithAttributes(
			attribute.Int64("audio_id", id),
			attribute.Bool("online", online),
		),
	)
	defer span.End()

	info, err := r.resolve(ctx, id, online)
	if err != nil {
		rerr := &models.ResolutionError{ID: id, Err: err}
		span.RecordError(rerr)
		r.logger.Warn("audio source resolution failed", "audio_id", id, "error", rerr)
		return models.Unavailable(online)
	}
	span.SetAttributes(attribute.String("source", string(info.Source)))
	return info
}

func (r *Resolver) resolve(ctx context.Context, id int64, online bool) (models.AudioSourceInfo, error) {
	if id <= 0 {
		return models.AudioSourceInfo{}, models.ErrInvalidID
	}

	cached, err := r.store.Has(ctx, id)
	if err != nil {
		return models.AudioSourceInfo{}, err
	}
	if cached {
		url := r.urls.Create(id)
		r.logger.Debug("playing from offline copy", "audio_id", id)
		return models.AudioSourceInfo{URL: &url, Source: models.SourceCached, IsOnline: online, IsCached: true}, nil
	}

	if online {
		url := r.streams.StreamURL(id)
		return models.AudioSourceInfo{URL: &url, Source: models.SourceStream, IsOnline: true}, nil
	}
	return models.Unavailable(false), nil
}
