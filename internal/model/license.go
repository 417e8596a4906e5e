package model

import (
	"slices"
	"strings"
	"time"
)

type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierSAR        Tier = "sar"
	TierEnterprise Tier = "enterprise"
)

var tiers = []Tier{TierBasic, TierPro, TierSAR, TierEnterprise}

// Tiers returns every known tier.
func Tiers() []Tier {
	return slices.Clone(tiers)
}

// ParseTier matches s against the known tiers. Matching is case-sensitive.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, slices.Contains(tiers, t)
}

type License struct {
	ID       string   `json:"license_id"`
	Name     string   `json:"license_name"`
	Emails   []string `json:"emails"`
	Domains  []string `json:"domains"`
	Tier     Tier     `json:"tier"`
	NTokens  int      `json:"n_tokens"`
	Expiry   Expiry   `json:"expiry_timestamp"`
	IsPublic bool     `json:"is_public"`
}

// Authorizes reports whether email is listed on the license or belongs to one
// of its domains.
func (l License) Authorizes(email string) bool {
	email = NormalizeEmail(email)
	if slices.Contains(l.Emails, email) {
		return true
	}
	domain := EmailDomain(email)
	return domain != "" && slices.Contains(l.Domains, domain)
}

// PrimaryContact is the first listed email, or "" for domain-only licenses.
func (l License) PrimaryContact() string {
	if len(l.Emails) == 0 {
		return ""
	}
	return l.Emails[0]
}

type Token struct {
	ID          string    `json:"token_id"`
	Tier        Tier      `json:"tier"`
	Expiry      Expiry    `json:"expiry_timestamp"`
	Email       string    `json:"email"`
	LicenseID   string    `json:"license_id"`
	MachineID   string    `json:"machine_id"`
	LicenseName string    `json:"license_name,omitempty"`
	Code        string    `json:"code"`
	IssuedAt    time.Time `json:"issued_at"`
}

func (t Token) ActiveAt(now time.Time) bool {
	return t.Expiry.ActiveAt(now)
}

type TokenAndCode struct {
	Token Token  `json:"token"`
	Code  string `json:"code"`
}

type LicenseAndSlots struct {
	License          License `json:"license"`
	NTokensDispensed int     `json:"n_tokens_dispensed"`
}

type LookupResult struct {
	TokensAndCodes       map[string]TokenAndCode    `json:"tokens_and_codes"`
	LicensesAndDispensed map[string]LicenseAndSlots `json:"licenses_and_dispensed"`
}

func NewLookupResult() *LookupResult {
	return &LookupResult{
		TokensAndCodes:       make(map[string]TokenAndCode),
		LicensesAndDispensed: make(map[string]LicenseAndSlots),
	}
}

// NormalizeEmail trims and lower-cases an address or domain.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EmailDomain returns the part after the last '@', or "" if there is none.
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return NormalizeEmail(email[at+1:])
}
