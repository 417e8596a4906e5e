package model

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Expiry is an absolute point in time after which a license or token is no
// longer active. The zero value never expires.
type Expiry struct {
	at time.Time
}

// Never returns an Expiry that is active forever.
func Never() Expiry {
	return Expiry{}
}

// ExpiresAt returns an Expiry at t. A zero t never expires.
func ExpiresAt(t time.Time) Expiry {
	if t.IsZero() {
		return Expiry{}
	}
	return Expiry{at: t.UTC()}
}

// ExpiresAtUnixMilli is the inverse of UnixMilli.
func ExpiresAtUnixMilli(ms int64) Expiry {
	return ExpiresAt(time.UnixMilli(ms))
}

func (e Expiry) IsNever() bool {
	return e.at.IsZero()
}

// Time returns the expiry instant, or the zero time for a non-expiring value.
func (e Expiry) Time() time.Time {
	return e.at
}

// ActiveAt reports whether t is strictly before the expiry.
func (e Expiry) ActiveAt(t time.Time) bool {
	return e.IsNever() || t.Before(e.at)
}

// UnixMilli returns the expiry in milliseconds and false when it never expires.
func (e Expiry) UnixMilli() (int64, bool) {
	if e.IsNever() {
		return 0, false
	}
	return e.at.UnixMilli(), true
}

func (e Expiry) String() string {
	if e.IsNever() {
		return "never"
	}
	return e.at.Format(time.RFC3339)
}

// MarshalJSON encodes Unix seconds, or null when the expiry is infinite.
func (e Expiry) MarshalJSON() ([]byte, error) {
	if e.IsNever() {
		return []byte("null"), nil
	}
	secs := float64(e.at.UnixMilli()) / 1000
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

// UnmarshalJSON accepts null, an empty string, Unix seconds (number or
// numeric string), a YYYY-MM-DD date or an RFC 3339 timestamp.
func (e *Expiry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = Never()
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("expiry: %w", err)
		}
		parsed, err := ParseExpiry(s)
		if err != nil {
			return err
		}
		*e = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("expiry: %w", err)
	}
	parsed, err := expiryFromSeconds(secs)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseExpiry parses the textual forms accepted by UnmarshalJSON.
func ParseExpiry(s string) (Expiry, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none", "never", "inf", "infinity":
		return Never(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return ExpiresAt(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return ExpiresAt(t), nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Never(), fmt.Errorf("expiry: unrecognised value %q", s)
	}
	return expiryFromSeconds(secs)
}

// maxExpirySeconds is 9999-12-31T23:59:59Z. Later timestamps never expire.
const maxExpirySeconds = 253402300799

func expiryFromSeconds(secs float64) (Expiry, error) {
	if secs > maxExpirySeconds {
		return Never(), nil
	}
	if math.IsNaN(secs) || secs < -maxExpirySeconds {
		return Never(), fmt.Errorf("expiry: invalid timestamp %v", secs)
	}
	return ExpiresAtUnixMilli(int64(math.Round(secs * 1000))), nil
}
