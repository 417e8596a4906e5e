// Package signer produces and verifies the signed codes attached to tokens.
// A code is an EdDSA JWT binding the token id, holder, license, machine and
// expiry, so the desktop app can check it offline with the public key.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultIssuer = "eagleeyes-licensing"

var ErrInvalidCode = errors.New("invalid token code")

// Claims carried by a token code.
type Claims struct {
	Tier      string `json:"tier"`
	Email     string `json:"email"`
	LicenseID string `json:"lic"`
	MachineID string `json:"mid,omitempty"`
	jwt.RegisteredClaims
}

type Signer struct {
	key    ed25519.PrivateKey
	kid    string
	issuer string
}

// New returns a Signer for key. An empty issuer uses DefaultIssuer.
func New(key ed25519.PrivateKey, issuer string) *Signer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{
		key:    key,
		kid:    KeyID(key.Public().(ed25519.PublicKey)),
		issuer: issuer,
	}
}

// FromPEM parses a PKCS#8 Ed25519 private key.
func FromPEM(data []byte, issuer string) (*Signer, error) {
	key, err := jwt.ParseEdPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("parse signing key: not an Ed25519 key")
	}
	return New(edKey, issuer), nil
}

// Generate creates a fresh key pair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func EncodePrivateKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func EncodePublicKeyPEM(key ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyID is a short fingerprint of the public key, sent as the JWT kid.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign returns the code for tok. Ed25519 is deterministic, so signing the
// same token twice yields the same code.
func (s *Signer) Sign(tok model.Token) (string, error) {
	claims := Claims{
		Tier:      string(tok.Tier),
		Email:     tok.Email,
		LicenseID: tok.LicenseID,
		MachineID: tok.MachineID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      tok.ID,
			Issuer:  s.issuer,
			Subject: tok.Email,
		},
	}
	if !tok.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(tok.IssuedAt)
	}
	if !tok.Expiry.IsNever() {
		claims.ExpiresAt = jwt.NewNumericDate(tok.Expiry.Time())
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token %s: %w", tok.ID, err)
	}
	return signed, nil
}

// Verify checks a code issued by this signer.
func (s *Signer) Verify(code string) (*Claims, error) {
	return NewVerifier(s.PublicKey(), s.issuer).Verify(code)
}

// Verifier checks codes with only the public key.
type Verifier struct {
	pub    ed25519.PublicKey
	issuer string
	now    func() time.Time
}

func NewVerifier(pub ed25519.PublicKey, issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{pub: pub, issuer: issuer, now: time.Now}
}

// VerifierFromPEM parses a PKIX Ed25519 public key.
func VerifierFromPEM(data []byte, issuer string) (*Verifier, error) {
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("parse public key: not an Ed25519 key")
	}
	return NewVerifier(pub, issuer), nil
}

func (v *Verifier) Verify(code string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(code, claims,
		func(*jwt.Token) (any, error) { return v.pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCode, err)
	}
	if claims.ID == "" || claims.LicenseID == "" {
		return nil, fmt.Errorf("%w: missing token or license id", ErrInvalidCode)
	}
	return claims, nil
}
