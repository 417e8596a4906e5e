package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/eagleeyes/internal/downloads"
	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/model"
)

type DownloadHandler struct {
	downloads *downloads.Service
	forms     *FormHandler
	logger    *slog.Logger
}

func NewDownloadHandler(d *downloads.Service, forms *FormHandler, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{downloads: d, forms: forms, logger: logger}
}

// Link returns a short-lived URL for filePath. A first-time downloader sends
// the signup form as the body; returning users send nothing.
func (h *DownloadHandler) Link(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	filePath := r.URL.Query().Get("filePath")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "filePath is required")
		return
	}

	var form json.RawMessage
	err := decodeJSON(r, &form)
	switch {
	case errors.Is(err, errEmptyBody), err == nil && isNull(form):
		prev, err := h.forms.store.Latest(r.Context(), user.Email)
		if err != nil {
			h.logger.Error("lookup form", "email", user.Email, "error", err)
		} else if prev == nil {
			h.logger.Warn("download without a signup form on record", "email", user.Email)
		}
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case !isObject(form):
		writeError(w, http.StatusBadRequest, "form data must be a JSON object")
		return
	default:
		if _, err := h.forms.save(r.Context(), user, model.FormKindSignup, form); err != nil {
			h.logger.Error("save signup form", "email", user.Email, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save form")
			return
		}
	}

	url, err := h.downloads.Link(r.Context(), filePath)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Info("download link issued", "email", user.Email, "file", filePath)
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *DownloadHandler) List(w http.ResponseWriter, r *http.Request) {
	directory := r.URL.Query().Get("directory")
	if directory == "" {
		writeError(w, http.StatusBadRequest, "directory is required")
		return
	}

	files, err := h.downloads.List(r.Context(), directory)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}
