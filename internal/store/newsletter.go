package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/eagleeyes/internal/model"
)

type NewsletterStore struct {
	db *sql.DB
}

func NewNewsletterStore(db *sql.DB) *NewsletterStore {
	return &NewsletterStore{db: db}
}

// Subscribe records an email. Repeat signups are silently ignored.
func (s *NewsletterStore) Subscribe(ctx context.Context, email string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO newsletter_signups (email) VALUES (?)`,
		model.NormalizeEmail(email),
	)
	if err != nil {
		return false, fmt.Errorf("insert newsletter signup: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns all signups ordered by creation time.
func (s *NewsletterStore) List(ctx context.Context) ([]model.NewsletterSignup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, created_at FROM newsletter_signups ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list newsletter signups: %w", err)
	}
	defer rows.Close()

	var entries []model.NewsletterSignup
	for rows.Next() {
		var e model.NewsletterSignup
		if err := rows.Scan(&e.ID, &e.Email, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan newsletter signup: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *NewsletterStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM newsletter_signups`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count newsletter signups: %w", err)
	}
	return count, nil
}
