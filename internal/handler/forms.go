package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/dukerupert/eagleeyes/internal/store"
)

type FormHandler struct {
	store      *store.SignupStore
	backupLink string
	logger     *slog.Logger
}

func NewFormHandler(s *store.SignupStore, backupLink string, logger *slog.Logger) *FormHandler {
	return &FormHandler{store: s, backupLink: backupLink, logger: logger}
}

// Register stores a registration form submitted by the signed-in user.
func (h *FormHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	var data json.RawMessage
	err := decodeJSON(r, &data)
	if errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, "form data is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !isObject(data) {
		writeError(w, http.StatusBadRequest, "form data must be a JSON object")
		return
	}

	f, err := h.save(r.Context(), user, model.FormKindRegister, data)
	if err != nil {
		h.logger.Error("save registration form", "email", user.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save form")
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// Mine reports the caller's most recent form, if any.
func (h *FormHandler) Mine(w http.ResponseWriter, r *http.Request) {
	email := identity.Email(r.Context())

	f, err := h.store.Latest(r.Context(), email)
	if err != nil {
		h.logger.Error("lookup form", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up form")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"form":       f,
		"backupLink": h.backupLink,
	})
}

func (h *FormHandler) save(ctx context.Context, user identity.User, kind string, data json.RawMessage) (*model.SignupForm, error) {
	return h.store.Create(ctx, model.SignupForm{
		Email:    user.Email,
		UserName: user.Name,
		UserID:   user.UID,
		Kind:     kind,
		Data:     data,
	})
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func isObject(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '{'
}
