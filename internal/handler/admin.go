package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/dukerupert/eagleeyes/internal/store"
)

type AdminHandler struct {
	service *licensing.Service
	signups *store.SignupStore
	logger  *slog.Logger
}

func NewAdminHandler(s *licensing.Service, ss *store.SignupStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: s, signups: ss, logger: logger}
}

func (h *AdminHandler) Me(w http.ResponseWriter, r *http.Request) {
	email := identity.Email(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"is_admin": h.service.IsAdmin(email)})
}

type addLicenseRequest struct {
	Name            string        `json:"license_name"`
	Emails          []string      `json:"emails"`
	Domains         []string      `json:"domains"`
	Tier            string        `json:"tier"`
	NTokens         int           `json:"n_tokens" validate:"gte=0"`
	ExpiryTimestamp *model.Expiry `json:"expiry_timestamp"`
	ExpiryDate      *model.Expiry `json:"expiry_date"`
	LicenseID       string        `json:"license_id"`
	IsPublic        bool          `json:"is_public"`
	SameLicenseID   *bool         `json:"same_license_id"`
	Password        string        `json:"extra_security_password"`
}

func (req addLicenseRequest) expiry() model.Expiry {
	switch {
	case req.ExpiryTimestamp != nil:
		return *req.ExpiryTimestamp
	case req.ExpiryDate != nil:
		return *req.ExpiryDate
	}
	return model.Never()
}

// approvalResult answers a request without a tier, which approves the listed
// users but issues no license.
type approvalResult struct {
	LicenseID  string         `json:"license_id"`
	NewLicense *model.License `json:"new_license"`
	UsersAdded []string       `json:"users_added"`
}

// AddLicense creates or updates licenses and approves the listed users'
// pending registrations. Without a tier it only approves them and emails
// each one. Admin rights are checked by middleware and again here.
func (h *AdminHandler) AddLicense(w http.ResponseWriter, r *http.Request) {
	adminEmail := identity.Email(r.Context())
	if err := h.service.VerifyAdmin(adminEmail); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req addLicenseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.CheckAdminPassword(req.Password); err != nil {
		h.logger.Warn("add license rejected", "admin", adminEmail, "reason", "extra password")
		writeServiceError(w, r, h.logger, err)
		return
	}

	if req.Tier == "" {
		h.approveUsers(w, r, adminEmail, req)
		return
	}

	separate := req.SameLicenseID != nil && !*req.SameLicenseID
	results, err := h.service.AddLicense(r.Context(), licensing.AddLicenseRequest{
		Name:             req.Name,
		Emails:           req.Emails,
		Domains:          req.Domains,
		Tier:             req.Tier,
		NTokens:          req.NTokens,
		Expiry:           req.expiry(),
		LicenseID:        req.LicenseID,
		IsPublic:         req.IsPublic,
		SeparateLicenses: separate,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	for _, res := range results {
		for _, email := range res.UsersAdded {
			if err := h.approvePendingForm(r.Context(), email); err != nil {
				h.logger.Error("approve signup form", "email", email, "error", err)
			}
		}
	}

	h.logger.Info("licenses added", "admin", adminEmail, "count", len(results))
	writeJSON(w, http.StatusOK, results)
}

func (h *AdminHandler) approveUsers(w http.ResponseWriter, r *http.Request, adminEmail string, req addLicenseRequest) {
	users, err := h.service.ApproveUsers(req.LicenseID, req.Emails)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	for _, email := range users {
		if err := h.approvePendingForm(r.Context(), email); err != nil {
			h.logger.Error("approve signup form", "email", email, "error", err)
		}
	}
	h.logger.Info("users approved", "admin", adminEmail, "count", len(users))
	writeJSON(w, http.StatusOK, approvalResult{LicenseID: req.LicenseID, UsersAdded: users})
}

func (h *AdminHandler) approvePendingForm(ctx context.Context, email string) error {
	if h.signups == nil {
		return nil
	}
	f, err := h.signups.Latest(ctx, email)
	if err != nil {
		return err
	}
	if f == nil || f.Status != model.FormStatusPending {
		return nil
	}
	if err := h.signups.UpdateStatus(ctx, f.ID, model.FormStatusApproved); err != nil {
		return fmt.Errorf("update form status: %w", err)
	}
	return nil
}
