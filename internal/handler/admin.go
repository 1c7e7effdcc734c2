package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/leca/schemhost/internal/api"
	"github.com/leca/schemhost/internal/model"
)

// ListSchematics handles GET /admin/schematics. Only active records are
// listed unless all=true.
func (h *Handler) ListSchematics(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var (
		records []*model.Schematic
		err     error
	)
	if all {
		records, err = h.DB.ListRecords(r.Context())
	} else {
		records, err = h.DB.ListUnexpiredRecords(r.Context())
	}
	if err != nil {
		h.Logger.Error("list schematics", slog.String("error", err.Error()))
		api.InternalError(w)
		return
	}

	// Ensure non-nil slice for JSON serialisation.
	if records == nil {
		records = []*model.Schematic{}
	}
	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(map[string]interface{}{"schematics": records}))
}

// Stats handles GET /admin/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	records, err := h.DB.ListRecords(r.Context())
	if err != nil {
		h.Logger.Error("count schematics", slog.String("error", err.Error()))
		api.InternalError(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(CountStats(records)))
}

// CountStats summarises records into active and expired totals.
func CountStats(records []*model.Schematic) model.Stats {
	s := model.Stats{Total: len(records)}
	for _, rec := range records {
		if rec.IsExpired() {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// Prune handles POST /admin/prune -- runs an expiry sweep now.
func (h *Handler) Prune(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.Logger.Error("manual sweep", slog.String("error", err.Error()))
		api.InternalError(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(map[string]interface{}{
		"expired":       len(res.Expired),
		"blobs_removed": res.BlobsRemoved,
		"blob_errors":   res.BlobErrors,
	}))
}
