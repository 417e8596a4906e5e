package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/eagleeyes/internal/store"
)

type NewsletterHandler struct {
	store  *store.NewsletterStore
	logger *slog.Logger
}

func NewNewsletterHandler(s *store.NewsletterStore, logger *slog.Logger) *NewsletterHandler {
	return &NewsletterHandler{store: s, logger: logger}
}

type newsletterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Honeypot string `json:"honeypot"`
}

func (h *NewsletterHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req newsletterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The honeypot field is hidden from people; bots fill it in.
	if strings.TrimSpace(req.Honeypot) != "" {
		h.logger.Info("newsletter honeypot triggered")
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	added, err := h.store.Subscribe(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("newsletter signup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sign up")
		return
	}
	if added {
		h.logger.Info("newsletter signup", "email", req.Email)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}
