package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leca/schemhost/internal/api"
	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/model"
	"github.com/leca/schemhost/internal/storage"
)

// lookup resolves a capability key from the URL and writes 404 or 410 when
// the record is missing or expired. It returns nil when a response was written.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, get func(*http.Request, string) (*model.Schematic, error)) *model.Schematic {
	key := chi.URLParam(r, "key")
	if !database.ValidKey(key) {
		api.NotFound(w, "Schematic not found")
		return nil
	}

	rec, err := get(r, key)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Schematic not found")
			return nil
		}
		h.Logger.Error("lookup schematic", slog.String("error", err.Error()))
		api.InternalError(w)
		return nil
	}
	if rec.IsExpired() {
		api.Gone(w, "Schematic has expired")
		return nil
	}
	return rec
}

func (h *Handler) byDownloadKey(r *http.Request, key string) (*model.Schematic, error) {
	return h.DB.GetByDownloadKey(r.Context(), key)
}

func (h *Handler) byDeleteKey(r *http.Request, key string) (*model.Schematic, error) {
	return h.DB.GetByDeleteKey(r.Context(), key)
}

// Download handles GET and HEAD /download/{key} -- streams the schematic as
// an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	rec := h.lookup(w, r, h.byDownloadKey)
	if rec == nil {
		return
	}

	rc, err := h.Store.Retrieve(r.Context(), rec.DownloadKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.Logger.Warn("record without blob", slog.Int64("id", rec.ID))
			api.NotFound(w, "Schematic not found")
			return
		}
		h.Logger.Error("retrieve blob", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
		api.InternalError(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": rec.FileName}))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	h.Metrics.Downloads.Inc()
	if _, err := io.Copy(w, rc); err != nil {
		h.Logger.Warn("failed to stream schematic", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
	}
}

// CheckDelete handles HEAD /delete/{key} -- reports whether the key can
// still delete something.
func (h *Handler) CheckDelete(w http.ResponseWriter, r *http.Request) {
	if rec := h.lookup(w, r, h.byDeleteKey); rec == nil {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /delete/{key} -- expires the record and removes its blob.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	rec := h.lookup(w, r, h.byDeleteKey)
	if rec == nil {
		return
	}

	if err := h.DB.ExpireRecord(r.Context(), rec.ID); err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Schematic not found")
			return
		}
		h.Logger.Error("expire schematic", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
		api.InternalError(w)
		return
	}

	// The record is already expired; a leftover blob is unreachable.
	if err := h.Store.Delete(r.Context(), rec.DownloadKey); err != nil {
		h.Logger.Warn("failed to remove blob", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
	}

	h.Metrics.Deletions.Inc()
	h.Logger.Info("schematic deleted", slog.Int64("id", rec.ID))
	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(map[string]string{"file_name": rec.FileName}))
}
