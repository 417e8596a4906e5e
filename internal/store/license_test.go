package store

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/dukerupert/eagleeyes/internal/database"
	"github.com/dukerupert/eagleeyes/internal/model"
)

func setupLicenseTestDB(t *testing.T) (*LicenseStore, *TokenStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLicenseStore(db), NewTokenStore(db)
}

func testLicense(id string) model.License {
	return model.License{
		ID:      id,
		Name:    "Search Team",
		Emails:  []string{"a@b.com", "c@d.org"},
		Domains: []string{"rescue.org"},
		Tier:    model.TierPro,
		NTokens: 3,
		Expiry:  model.ExpiresAt(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestLicenseUpsertRoundTrip(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)
	ctx := context.Background()

	want := testLicense("lic-1")
	if err := ls.Upsert(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := ls.GetByID(ctx, "lic-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected license, got nil")
	}
	if got.Name != want.Name || got.Tier != want.Tier || got.NTokens != want.NTokens || got.IsPublic != want.IsPublic {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.Expiry.Time().Equal(want.Expiry.Time()) {
		t.Errorf("expiry = %v, want %v", got.Expiry, want.Expiry)
	}
	if !reflect.DeepEqual(got.Emails, want.Emails) {
		t.Errorf("emails = %v, want %v", got.Emails, want.Emails)
	}
	if !reflect.DeepEqual(got.Domains, want.Domains) {
		t.Errorf("domains = %v, want %v", got.Domains, want.Domains)
	}
}

func TestLicenseUpsertOverwrites(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testLicense("lic-1")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	updated := model.License{
		ID:       "lic-1",
		Name:     "Renamed",
		Emails:   []string{"z@z.com"},
		Tier:     model.TierSAR,
		NTokens:  10,
		Expiry:   model.Never(),
		IsPublic: true,
	}
	if err := ls.Upsert(ctx, updated); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, _ := ls.GetByID(ctx, "lic-1")
	if got.Name != "Renamed" {
		t.Errorf("name = %q, want %q", got.Name, "Renamed")
	}
	if !got.Expiry.IsNever() {
		t.Errorf("expiry = %v, want never", got.Expiry)
	}
	if !got.IsPublic {
		t.Error("expected is_public to be true")
	}
	if !reflect.DeepEqual(got.Emails, []string{"z@z.com"}) {
		t.Errorf("emails = %v, want [z@z.com]", got.Emails)
	}
	if len(got.Domains) != 0 {
		t.Errorf("domains = %v, want none", got.Domains)
	}
}

func TestLicenseGetNotFound(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)

	got, err := ls.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestLicenseListMatching(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)
	ctx := context.Background()

	byEmail := testLicense("by-email")
	byEmail.Domains = nil
	byDomain := testLicense("by-domain")
	byDomain.Emails = nil
	byID := testLicense("by-id")
	byID.Emails = []string{"other@x.com"}
	byID.Domains = nil
	unrelated := testLicense("unrelated")
	unrelated.Emails = []string{"nobody@x.com"}
	unrelated.Domains = []string{"x.com"}

	for _, l := range []model.License{byEmail, byDomain, byID, unrelated} {
		if err := ls.Upsert(ctx, l); err != nil {
			t.Fatalf("upsert %s: %v", l.ID, err)
		}
	}

	tests := []struct {
		name      string
		email     string
		licenseID string
		want      []string
	}{
		{"email match", "A@B.com", "", []string{"by-email"}},
		{"domain match", "chief@rescue.org", "", []string{"by-domain"}},
		{"email and id", "a@b.com", "by-id", []string{"by-email", "by-id"}},
		{"id only", "stranger@nowhere.net", "by-id", []string{"by-id"}},
		{"nothing", "stranger@nowhere.net", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ls.ListMatching(ctx, tt.email, tt.licenseID)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, l := range got {
				ids = append(ids, l.ID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestLicenseAddEmail(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)
	ctx := context.Background()

	if err := ls.Upsert(ctx, testLicense("lic-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	added, err := ls.AddEmail(ctx, "lic-1", "New@Member.com")
	if err != nil {
		t.Fatalf("add email: %v", err)
	}
	if !added {
		t.Error("expected first add to report added")
	}

	added, err = ls.AddEmail(ctx, "lic-1", "new@member.com")
	if err != nil {
		t.Fatalf("repeat add email: %v", err)
	}
	if added {
		t.Error("expected repeat add to be a no-op")
	}

	got, _ := ls.GetByID(ctx, "lic-1")
	want := []string{"a@b.com", "c@d.org", "new@member.com"}
	if !reflect.DeepEqual(got.Emails, want) {
		t.Errorf("emails = %v, want %v", got.Emails, want)
	}
}

func TestLicenseAddEmailMissingLicense(t *testing.T) {
	ls, _ := setupLicenseTestDB(t)

	if _, err := ls.AddEmail(context.Background(), "missing", "a@b.com"); err == nil {
		t.Error("expected foreign key error for missing license")
	}
}
