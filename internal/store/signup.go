package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/eagleeyes/internal/model"
)

type SignupStore struct {
	db *sql.DB
}

func NewSignupStore(db *sql.DB) *SignupStore {
	return &SignupStore{db: db}
}

func scanSignupForm(scanner interface{ Scan(...any) error }) (*model.SignupForm, error) {
	var f model.SignupForm
	var data string
	err := scanner.Scan(&f.ID, &f.Email, &f.UserName, &f.UserID, &f.Kind, &f.Status, &data, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Data = json.RawMessage(data)
	return &f, nil
}

const signupFormCols = `id, email, user_name, user_id, kind, status, data, created_at`

// Create stores a submitted form. An empty status defaults to pending and
// empty data to an empty object.
func (s *SignupStore) Create(ctx context.Context, f model.SignupForm) (*model.SignupForm, error) {
	if f.Status == "" {
		f.Status = model.FormStatusPending
	}
	if len(f.Data) == 0 {
		f.Data = json.RawMessage(`{}`)
	}
	if !json.Valid(f.Data) {
		return nil, fmt.Errorf("create signup form: data is not valid JSON")
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO signup_forms (email, user_name, user_id, kind, status, data) VALUES (?, ?, ?, ?, ?, ?)`,
		model.NormalizeEmail(f.Email), f.UserName, f.UserID, f.Kind, f.Status, string(f.Data),
	)
	if err != nil {
		return nil, fmt.Errorf("insert signup form: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SignupStore) GetByID(ctx context.Context, id int64) (*model.SignupForm, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signupFormCols+` FROM signup_forms WHERE id = ?`, id)
	f, err := scanSignupForm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signup form: %w", err)
	}
	return f, nil
}

// Latest returns the newest form the email submitted, or nil.
func (s *SignupStore) Latest(ctx context.Context, email string) (*model.SignupForm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signupFormCols+` FROM signup_forms WHERE email = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		model.NormalizeEmail(email),
	)
	f, err := scanSignupForm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest signup form: %w", err)
	}
	return f, nil
}

func (s *SignupStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE signup_forms SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update signup form status: %w", err)
	}
	return nil
}
