package licensing

import (
	"context"
	"time"

	"github.com/dukerupert/eagleeyes/internal/model"
)

// ConditionalInsert asks the store to persist Token only if the license still
// has exactly ExpectedCount tokens active as of AsOf. The check and the insert
// must happen in one atomic unit.
type ConditionalInsert struct {
	LicenseID     string
	ExpectedCount int
	AsOf          time.Time
	Token         model.Token
}

type LicenseStore interface {
	// Upsert creates the license or replaces every field of an existing one.
	Upsert(ctx context.Context, lic model.License) error
	// GetByID returns nil, nil when the license does not exist.
	GetByID(ctx context.Context, id string) (*model.License, error)
	// ListMatching returns licenses listing email, covering its domain, or
	// having the given id.
	ListMatching(ctx context.Context, email, licenseID string) ([]model.License, error)
	// AddEmail appends email to the license; added is false if already present.
	AddEmail(ctx context.Context, licenseID, email string) (added bool, err error)
}

type TokenStore interface {
	ActiveCount(ctx context.Context, licenseID string, asOf time.Time) (int, error)
	// InsertIfCount returns ErrWriteConflict when the expectation fails.
	InsertIfCount(ctx context.Context, req ConditionalInsert) error
	ListActive(ctx context.Context, email, machineID string, asOf time.Time) ([]model.Token, error)
}

// Signer produces the opaque code handed to token holders.
type Signer interface {
	Sign(tok model.Token) (string, error)
}

type Notifier interface {
	LicenseCreated(ctx context.Context, lic model.License) error
	TokenCreated(ctx context.Context, lic model.License, tc model.TokenAndCode, userName string) error
	LicenseMissing(ctx context.Context, licenseID, userEmail string) error
	RegistrationApproved(ctx context.Context, email string) error
}

// Publisher receives licensing events for live dashboards.
type Publisher interface {
	Publish(kind, licenseID string, extra map[string]any)
}
