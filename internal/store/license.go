package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/eagleeyes/internal/model"
)

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var tier string
	var expiresAt sql.NullInt64
	err := scanner.Scan(&l.ID, &l.Name, &tier, &l.NTokens, &expiresAt, &l.IsPublic)
	if err != nil {
		return nil, err
	}
	l.Tier = model.Tier(tier)
	l.Expiry = expiryFromNull(expiresAt)
	return &l, nil
}

const licenseCols = `id, name, tier, n_tokens, expires_at, is_public`

// Upsert inserts the license or overwrites every field, emails and domains
// included, of the existing record with the same id.
func (s *LicenseStore) Upsert(ctx context.Context, lic model.License) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO licenses (id, name, tier, n_tokens, expires_at, is_public) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tier = excluded.tier,
			n_tokens = excluded.n_tokens,
			expires_at = excluded.expires_at,
			is_public = excluded.is_public,
			updated_at = CURRENT_TIMESTAMP`,
		lic.ID, lic.Name, string(lic.Tier), lic.NTokens, nullFromExpiry(lic.Expiry), lic.IsPublic,
	)
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM license_emails WHERE license_id = ?`, lic.ID); err != nil {
		return fmt.Errorf("clear license emails: %w", err)
	}
	for i, email := range lic.Emails {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO license_emails (license_id, email, position) VALUES (?, ?, ?)`,
			lic.ID, email, i,
		); err != nil {
			return fmt.Errorf("insert license email: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM license_domains WHERE license_id = ?`, lic.ID); err != nil {
		return fmt.Errorf("clear license domains: %w", err)
	}
	for i, domain := range lic.Domains {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO license_domains (license_id, domain, position) VALUES (?, ?, ?)`,
			lic.ID, domain, i,
		); err != nil {
			return fmt.Errorf("insert license domain: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id string) (*model.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if err := s.loadMembers(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *LicenseStore) ListMatching(ctx context.Context, email, licenseID string) ([]model.License, error) {
	email = model.NormalizeEmail(email)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses
		WHERE id = ?
			OR id IN (SELECT license_id FROM license_emails WHERE email = ?)
			OR id IN (SELECT license_id FROM license_domains WHERE domain = ?)
		ORDER BY created_at ASC, id ASC`,
		licenseID, email, model.EmailDomain(email),
	)
	if err != nil {
		return nil, fmt.Errorf("list matching licenses: %w", err)
	}

	var licenses []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, *l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list matching licenses: %w", err)
	}
	rows.Close()

	// Members are loaded after the cursor is closed so a single-connection
	// pool does not deadlock.
	for i := range licenses {
		if err := s.loadMembers(ctx, &licenses[i]); err != nil {
			return nil, err
		}
	}
	return licenses, nil
}

func (s *LicenseStore) AddEmail(ctx context.Context, licenseID, email string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO license_emails (license_id, email, position)
		SELECT ?, ?, COALESCE(MAX(position), -1) + 1 FROM license_emails WHERE license_id = ?`,
		licenseID, model.NormalizeEmail(email), licenseID,
	)
	if err != nil {
		return false, fmt.Errorf("add license email: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *LicenseStore) loadMembers(ctx context.Context, l *model.License) error {
	emails, err := s.column(ctx, `SELECT email FROM license_emails WHERE license_id = ? ORDER BY position ASC`, l.ID)
	if err != nil {
		return fmt.Errorf("load license emails: %w", err)
	}
	domains, err := s.column(ctx, `SELECT domain FROM license_domains WHERE license_id = ? ORDER BY position ASC`, l.ID)
	if err != nil {
		return fmt.Errorf("load license domains: %w", err)
	}
	l.Emails = emails
	l.Domains = domains
	return nil
}

func (s *LicenseStore) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func expiryFromNull(v sql.NullInt64) model.Expiry {
	if !v.Valid {
		return model.Never()
	}
	return model.ExpiresAtUnixMilli(v.Int64)
}

func nullFromExpiry(e model.Expiry) sql.NullInt64 {
	ms, ok := e.UnixMilli()
	return sql.NullInt64{Int64: ms, Valid: ok}
}
