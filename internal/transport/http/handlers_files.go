package httptransport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"census/internal/ingest"
	"census/pkg/wire"
)

type processFileRequest struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
}

type fileResponse struct {
	*ingest.File
	Status ingest.FileStatus `json:"status"`
}

// handleProcessFile runs the pipeline for one named object synchronously.
// Cancellation mid-flight leaves the file in-progress for a rerun, so a
// client timeout is not a terminal failure.
func (h *Handler) handleProcessFile(w http.ResponseWriter, r *http.Request) {
	var req processFileRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "malformed request body")
		return
	}
	if req.Name == "" || req.Bucket == "" {
		h.badRequest(w, "name and bucket are required")
		return
	}

	if err := h.ingestor.ProcessFile(r.Context(), req.Name, req.Bucket); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": string(ingest.StatusCompleted)})
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "fileID"), 10, 64)
	if err != nil {
		h.badRequest(w, "file id must be an integer")
		return
	}

	file, err := h.files.Get(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, fileResponse{File: file, Status: file.Status()})
}

func (h *Handler) badRequest(w http.ResponseWriter, message string) {
	respond(w, http.StatusBadRequest, map[string]string{
		"error":   string(wire.KindInvalidArgument),
		"message": message,
	})
}
