package licensing

import (
	"fmt"
	"strings"

	"github.com/dukerupert/eagleeyes/internal/model"
)

// ValidEmail checks the basic local@domain.tld shape.
func ValidEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return false
	}
	return ValidDomain(email[at+1:])
}

// ValidDomain requires a dot with something on both sides of it.
func ValidDomain(domain string) bool {
	if domain == "" || strings.ContainsAny(domain, " \t\r\n@") {
		return false
	}
	dot := strings.LastIndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}

func normalizeEmails(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, e := range in {
		e = model.NormalizeEmail(e)
		if e == "" || seen[e] {
			continue
		}
		if !ValidEmail(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, e)
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}

func normalizeDomains(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		d = strings.TrimPrefix(model.NormalizeEmail(d), "@")
		if d == "" || seen[d] {
			continue
		}
		if !ValidDomain(d) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}
