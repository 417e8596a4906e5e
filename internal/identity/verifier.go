// Package identity verifies bearer ID tokens issued by the identity provider
// and carries the resulting user through request contexts.
package identity

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Verifier turns a raw bearer credential into a User.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (User, error)
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
	UserID        string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks ID tokens signed with a single configured public key.
type JWTVerifier struct {
	key      crypto.PublicKey
	methods  []string
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

type VerifierOption func(*JWTVerifier)

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) { v.now = now }
}

// NewJWTVerifier parses an RSA, Ed25519 or ECDSA public key in PEM form.
// Empty issuer or audience skips that check.
func NewJWTVerifier(publicKeyPEM []byte, issuer, audience string, opts ...VerifierOption) (*JWTVerifier, error) {
	key, methods, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	v := &JWTVerifier{
		key:      key,
		methods:  methods,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func parsePublicKey(data []byte) (crypto.PublicKey, []string, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, []string{"RS256", "RS384", "RS512"}, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return key, []string{"EdDSA"}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, []string{"ES256", "ES384", "ES512"}, nil
	}
	return nil, nil, errors.New("parse identity public key: unsupported or malformed PEM")
}

func (v *JWTVerifier) Verify(_ context.Context, rawToken string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &idClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) { return v.key, nil }, opts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	email := model.NormalizeEmail(claims.Email)
	if email == "" {
		return User{}, fmt.Errorf("%w: token has no email", ErrInvalidCredential)
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return User{}, fmt.Errorf("%w: email not verified", ErrInvalidCredential)
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	return User{Email: email, Name: claims.Name, UID: uid}, nil
}
