package licensing

import (
	"errors"
	"fmt"
)

var (
	ErrLicenseNotFound   = errors.New("license not found")
	ErrLicenseExpired    = errors.New("license has expired")
	ErrNoMoreTokens      = errors.New("no more tokens available")
	ErrInvalidTier       = errors.New("invalid license tier")
	ErrInvalidEmail      = errors.New("improperly formatted email")
	ErrInvalidDomain     = errors.New("improperly formatted domain")
	ErrInvalidTokenCount = errors.New("invalid token count")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotAuthenticated  = errors.New("not authenticated")

	// ErrWriteConflict is returned by TokenStore.InsertIfCount when the
	// active count no longer matches the expected value. Nothing was written.
	ErrWriteConflict = errors.New("conditional write conflict")
)

// NoMoreTokensError reports an exhausted license. It matches ErrNoMoreTokens.
type NoMoreTokensError struct {
	LicenseID string
	NTokens   int
}

func (e *NoMoreTokensError) Error() string {
	return fmt.Sprintf("license %s has no more tokens: all %d in use", e.LicenseID, e.NTokens)
}

func (e *NoMoreTokensError) Is(target error) bool {
	return target == ErrNoMoreTokens
}
