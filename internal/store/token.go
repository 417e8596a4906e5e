package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/model"
)

type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func scanToken(scanner interface{ Scan(...any) error }) (*model.Token, error) {
	var t model.Token
	var tier string
	var expiresAt sql.NullInt64
	var issuedAt int64
	err := scanner.Scan(
		&t.ID, &t.LicenseID, &t.Email, &t.MachineID, &tier,
		&t.LicenseName, &expiresAt, &t.Code, &issuedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Tier = model.Tier(tier)
	t.Expiry = expiryFromNull(expiresAt)
	t.IssuedAt = time.UnixMilli(issuedAt).UTC()
	return &t, nil
}

const tokenCols = `id, license_id, email, machine_id, tier, license_name, expires_at, code, issued_at`

// activeClause matches tokens of one license that are still active at a
// given instant. Arguments: license_id, as_of (ms).
const activeClause = `license_id = ? AND (expires_at IS NULL OR expires_at > ?)`

func (s *TokenStore) ActiveCount(ctx context.Context, licenseID string, asOf time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE `+activeClause,
		licenseID, asOf.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}
	return n, nil
}

// InsertIfCount performs the count check and the insert in one statement.
// SQLite takes the write lock before evaluating it, so no other writer can
// change the count in between.
func (s *TokenStore) InsertIfCount(ctx context.Context, req licensing.ConditionalInsert) error {
	t := req.Token
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (`+tokenCols+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM tokens WHERE `+activeClause+`) = ?`,
		t.ID, req.LicenseID, t.Email, t.MachineID, string(t.Tier),
		t.LicenseName, nullFromExpiry(t.Expiry), t.Code, t.IssuedAt.UnixMilli(),
		req.LicenseID, req.AsOf.UnixMilli(), req.ExpectedCount,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return licensing.ErrWriteConflict
	}
	return nil
}

func (s *TokenStore) ListActive(ctx context.Context, email, machineID string, asOf time.Time) ([]model.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenCols+` FROM tokens
		WHERE email = ? AND machine_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY issued_at ASC, id ASC`,
		model.NormalizeEmail(email), machineID, asOf.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (s *TokenStore) GetByID(ctx context.Context, id string) (*model.Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenCols+` FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// CountForLicense counts every token ever issued from the license.
func (s *TokenStore) CountForLicense(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens WHERE license_id = ?`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count license tokens: %w", err)
	}
	return n, nil
}
