package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/port"
)

// DownloadHandler serves the download and model endpoints
type DownloadHandler struct {
	downloads Downloads
	lifecycle port.Lifecycle
	mirror    *event.Mirror
	logger    *zap.Logger
}

// NewDownloadHandler creates a new DownloadHandler
func NewDownloadHandler(downloads Downloads, lifecycle port.Lifecycle, mirror *event.Mirror, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		lifecycle: lifecycle,
		mirror:    mirror,
		logger:    logger,
	}
}

type startRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// Start handles POST /v1/downloads
func (h *DownloadHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid JSON body: "+err.Error())
		return
	}

	started, err := h.downloads.DownloadModel(r.Context(), req.URL, req.Filename)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

// List handles GET /v1/downloads
func (h *DownloadHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mirror.Snapshot())
}

// Status handles GET /v1/downloads/{id}
func (h *DownloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	report := h.downloads.CheckDownloadStatus(id)
	code := http.StatusOK
	if report.Status == domain.StatusUnknown {
		code = http.StatusNotFound
	}
	writeJSON(w, code, report)
}

// Pause handles POST /v1/downloads/{id}/pause
func (h *DownloadHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	if err := h.downloads.PauseDownload(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.downloads.CheckDownloadStatus(id))
}

// Resume handles POST /v1/downloads/{id}/resume
func (h *DownloadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	if err := h.downloads.ResumeDownload(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.downloads.CheckDownloadStatus(id))
}

// Cancel handles DELETE /v1/downloads/{id}
func (h *DownloadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.downloads.CancelDownload(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !cancelled {
		h.writeError(w, r, http.StatusNotFound, "not_found", "no such download")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Models handles GET /v1/models
func (h *DownloadHandler) Models(w http.ResponseWriter, r *http.Request) {
	models, err := h.downloads.GetStoredModels()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// DeleteModel handles DELETE /v1/models/{name}
func (h *DownloadHandler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.downloads.DeleteModel(name) {
		h.writeError(w, r, http.StatusNotFound, "not_found", "no such model")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Lifecycle handles POST /v1/lifecycle/{transition}
func (h *DownloadHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	if h.lifecycle == nil {
		h.writeError(w, r, http.StatusNotImplemented, "unavailable", "lifecycle bridge not configured")
		return
	}

	var err error
	switch mux.Vars(r)["transition"] {
	case "background":
		err = h.lifecycle.OnBackground(r.Context())
	case "foreground":
		err = h.lifecycle.OnForeground(r.Context())
	case "check":
		var completed int
		completed, err = h.lifecycle.Tick(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]int{"completed": completed})
			return
		}
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) downloadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid download id")
		return 0, false
	}
	return id, true
}

// writeDomainError maps manager errors onto status codes
func (h *DownloadHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	h.writeError(w, r, status, code, err.Error())
}

func (h *DownloadHandler) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: RequestIDFrom(r.Context())})
}

func statusFor(err error) (int, string) {
	switch {
	case domain.IsAlreadyDownloading(err):
		return http.StatusConflict, "already_downloading"
	case domain.IsResumptionUnavailable(err):
		return http.StatusConflict, "restart_required"
	case errors.Is(err, domain.ErrDownloadNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrManagerClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, domain.ErrDiskFull):
		return http.StatusInsufficientStorage, "disk_full"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
