package model

import (
	"encoding/json"
	"time"
)

type NewsletterSignup struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	FormKindSignup   = "signup"
	FormKindRegister = "register"

	FormStatusPending  = "pending"
	FormStatusApproved = "approved"
)

type SignupForm struct {
	ID        int64           `json:"id"`
	Email     string          `json:"email"`
	UserName  string          `json:"user_name"`
	UserID    string          `json:"uid"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"form_data"`
	CreatedAt time.Time       `json:"created_at"`
}
