package store

import (
	"context"
	"testing"

	"github.com/dukerupert/eagleeyes/internal/database"
)

func setupNewsletterTestDB(t *testing.T) *NewsletterStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewNewsletterStore(db)
}

func TestNewsletterSubscribe(t *testing.T) {
	s := setupNewsletterTestDB(t)
	ctx := context.Background()

	added, err := s.Subscribe(ctx, " Alice@Example.com ")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !added {
		t.Error("expected first signup to be added")
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", entries[0].Email, "alice@example.com")
	}
}

func TestNewsletterDuplicateIdempotent(t *testing.T) {
	s := setupNewsletterTestDB(t)
	ctx := context.Background()

	s.Subscribe(ctx, "alice@example.com")
	added, err := s.Subscribe(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if added {
		t.Error("duplicate signup should not be added")
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (duplicate should be ignored)", count)
	}
}
