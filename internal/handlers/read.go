package handlers

import (
	"log/slog"
	"net/http"

	"github.com/maneesh/audioshelf/internal/resolver"
	"github.com/maneesh/audioshelf/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LibraryHandler exposes the offline library: what is stored, how much
// space it takes, and where each audiobook would play from.
type LibraryHandler struct {
	store   storage.BlobStore
	sources *resolver.Registry
	logger  *slog.Logger
}

// NewLibraryHandler creates a library handler
func NewLibraryHandler(store storage.BlobStore, sources *resolver.Registry, logger *slog.Logger) *LibraryHandler {
	return &LibraryHandler{store: store, sources: sources, logger: logger}
}

// ListResponse lists downloaded audiobook ids
type ListResponse struct {
	IDs []int64 `json:"ids"`
}

// List handles GET /offline/audiobooks
func (lh *LibraryHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := lh.store.ListDownloadedIDs(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, ListResponse{IDs: ids})
}

// Remove handles DELETE /offline/audiobooks/{id}
func (lh *LibraryHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "remove_offline_copy",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := audiobookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.Int64("audio_id", id))

	if err := lh.store.Delete(ctx, id); err != nil {
		span.RecordError(err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	lh.logger.Info("offline copy removed", "audio_id", id)
	// the next source request resolves afresh
	lh.sources.Release(id)
	w.WriteHeader(http.StatusNoContent)
}

// Storage handles GET /offline/storage
func (lh *LibraryHandler) Storage(w http.ResponseWriter, r *http.Request) {
	info, err := lh.store.StorageInfo(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Clear handles DELETE /offline/storage
func (lh *LibraryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "clear_offline_storage",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if err := lh.store.ClearAll(ctx); err != nil {
		span.RecordError(err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	lh.logger.Info("offline storage cleared")
	lh.sources.ReleaseAll()
	w.WriteHeader(http.StatusNoContent)
}

// Source handles GET /offline/audiobooks/{id}/source
func (lh *LibraryHandler) Source(w http.ResponseWriter, r *http.Request) {
	id, err := audiobookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lh.sources.Source(r.Context(), id))
}

// RefreshSource handles POST /offline/audiobooks/{id}/source/refresh
func (lh *LibraryHandler) RefreshSource(w http.ResponseWriter, r *http.Request) {
	id, err := audiobookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lh.sources.Refresh(r.Context(), id))
}
