package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/dukerupert/eagleeyes/internal/downloads"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a size-limited JSON body into dst and validates it.
// It returns errEmptyBody when the request carries no body at all.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return errors.New("body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON")
	}
	if reflect.Indirect(reflect.ValueOf(dst)).Kind() == reflect.Struct {
		if err := validate.Struct(dst); err != nil {
			return validationMessage(err)
		}
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "email":
			msgs = append(msgs, fe.Field()+" must be a valid email")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// writeServiceError maps licensing and download errors onto HTTP statuses.
// Unexpected errors are logged and reported generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, licensing.ErrLicenseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, licensing.ErrNoMoreTokens):
		status = http.StatusConflict
	case errors.Is(err, licensing.ErrInvalidTier),
		errors.Is(err, licensing.ErrInvalidEmail),
		errors.Is(err, licensing.ErrInvalidDomain),
		errors.Is(err, licensing.ErrInvalidTokenCount),
		errors.Is(err, downloads.ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, licensing.ErrPermissionDenied),
		errors.Is(err, licensing.ErrLicenseExpired),
		errors.Is(err, downloads.ErrForbiddenFolder):
		status = http.StatusForbidden
	case errors.Is(err, licensing.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, downloads.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}
