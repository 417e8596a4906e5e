package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/licensing"
)

type LicenseHandler struct {
	service *licensing.Service
	logger  *slog.Logger
}

func NewLicenseHandler(s *licensing.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{service: s, logger: logger}
}

// Check returns every token the caller holds on this machine and every
// license they may draw from.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())
	q := r.URL.Query()

	result, err := h.service.Lookup(r.Context(), licensing.LookupQuery{
		Email:     user.Email,
		LicenseID: q.Get("license_id"),
		MachineID: q.Get("machine_id"),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LicenseHandler) RequestToken(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())
	q := r.URL.Query()

	licenseID := q.Get("license_id")
	if licenseID == "" {
		writeError(w, http.StatusBadRequest, "license_id is required")
		return
	}

	tc, err := h.service.Dispense(r.Context(), licensing.DispenseRequest{
		Email:     user.Email,
		UserName:  user.Name,
		MachineID: q.Get("machine_id"),
		LicenseID: licenseID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// Confirm is called by the checkout page after a purchase.
func (h *LicenseHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	licenseID := q.Get("license_id")
	if licenseID == "" {
		writeError(w, http.StatusBadRequest, "license_id is required")
		return
	}
	email := q.Get("email")

	lic, err := h.service.Confirm(r.Context(), licenseID, email)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"license_id": lic.ID,
		"confirmed":  true,
		"message":    "License " + lic.ID + " verified - it's in our database.",
	})
}
