package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/leca/schemhost/internal/api"
	"github.com/leca/schemhost/internal/model"
	"github.com/leca/schemhost/internal/schemfile"
)

// multipartOverhead is the allowance for form boundaries and text fields on
// top of maxSchematicSize.
const multipartOverhead = 64 << 10

// maxFieldLength bounds the optional text fields.
const maxFieldLength = 128

// UploadResult is returned by a successful upload.
type UploadResult struct {
	DownloadKey string `json:"download_key"`
	DeleteKey   string `json:"delete_key"`
	FileName    string `json:"file_name"`
}

// Upload handles POST /upload -- multipart schematic upload.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	maxSize := h.Config.MaxSchematicSize

	if r.ContentLength > maxSize+multipartOverhead {
		h.uploadRejected(w, "too_large", http.StatusRequestEntityTooLarge,
			fmt.Sprintf("schematic exceeds %d bytes", maxSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxSize + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.uploadRejected(w, "too_large", http.StatusRequestEntityTooLarge,
				fmt.Sprintf("schematic exceeds %d bytes", maxSize))
			return
		}
		h.uploadRejected(w, "invalid", http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("schematic")
	if err != nil {
		h.uploadRejected(w, "invalid", http.StatusBadRequest, "missing required field: schematic")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		h.Logger.Error("read upload", slog.String("error", err.Error()))
		h.uploadRejected(w, "error", http.StatusInternalServerError, "")
		return
	}
	if int64(len(data)) > maxSize {
		h.uploadRejected(w, "too_large", http.StatusRequestEntityTooLarge,
			fmt.Sprintf("schematic exceeds %d bytes", maxSize))
		return
	}

	if _, err := schemfile.Validate(data); err != nil {
		h.uploadRejected(w, "invalid", http.StatusBadRequest, "invalid schematic: "+err.Error())
		return
	}

	fields := make(map[string]*string, 4)
	for _, name := range []string{"uploader", "schem_type", "pos1", "pos2"} {
		v := r.FormValue(name)
		if len(v) > maxFieldLength {
			h.uploadRejected(w, "invalid", http.StatusBadRequest,
				fmt.Sprintf("%s exceeds %d characters", name, maxFieldLength))
			return
		}
		fields[name] = model.StringPtr(v)
	}

	downloadKey, err := h.DB.GenerateDownloadKey(ctx, h.Config.MaxIterations)
	if err != nil {
		h.uploadFailed(w, "generate download key", err)
		return
	}
	deleteKey, err := h.DB.GenerateDeletionKey(ctx, h.Config.MaxIterations)
	if err != nil {
		h.uploadFailed(w, "generate delete key", err)
		return
	}

	if _, err := h.Store.Store(ctx, downloadKey, bytes.NewReader(data)); err != nil {
		h.uploadFailed(w, "store blob", err)
		return
	}

	rec, err := h.DB.StoreRecord(ctx, &model.Schematic{
		DownloadKey: downloadKey,
		DeleteKey:   deleteKey,
		FileName:    schemfile.SanitizeFileName(header.Filename),
		Uploader:    fields["uploader"],
		SchemType:   fields["schem_type"],
		Pos1:        fields["pos1"],
		Pos2:        fields["pos2"],
	})
	if err != nil {
		if delErr := h.Store.Delete(ctx, downloadKey); delErr != nil {
			h.Logger.Warn("failed to roll back blob", slog.String("error", delErr.Error()))
		}
		h.uploadFailed(w, "store record", err)
		return
	}

	h.Metrics.ObserveUpload("ok", int64(len(data)))
	h.Logger.Info("schematic uploaded",
		slog.Int64("id", rec.ID),
		slog.String("file_name", rec.FileName),
		slog.Int("size", len(data)),
	)

	api.WriteJSON(w, http.StatusOK, api.SuccessResponse(UploadResult{
		DownloadKey: rec.DownloadKey,
		DeleteKey:   rec.DeleteKey,
		FileName:    rec.FileName,
	}))
}

func (h *Handler) uploadRejected(w http.ResponseWriter, result string, status int, msg string) {
	h.Metrics.ObserveUpload(result, 0)
	switch status {
	case http.StatusRequestEntityTooLarge:
		api.TooLarge(w, msg)
	case http.StatusBadRequest:
		api.BadRequest(w, msg)
	default:
		api.InternalError(w)
	}
}

func (h *Handler) uploadFailed(w http.ResponseWriter, step string, err error) {
	h.Logger.Error("upload failed", slog.String("step", step), slog.String("error", err.Error()))
	h.uploadRejected(w, "error", http.StatusInternalServerError, "")
}
