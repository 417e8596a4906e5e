package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://securetoken.example.com/eagle-eyes"
	testAudience = "eagle-eyes"
)

func publicPEM(t *testing.T, pub any) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func newRSAVerifier(t *testing.T) (*JWTVerifier, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	v, err := NewJWTVerifier(publicPEM(t, &priv.PublicKey), testIssuer, testAudience)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v, priv
}

func idToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return s
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "uid-123",
		"email": "Pilot@Example.com",
		"name":  "Pilot One",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestVerifyRSA(t *testing.T) {
	v, priv := newRSAVerifier(t)

	u, err := v.Verify(context.Background(), idToken(t, jwt.SigningMethodRS256, priv, baseClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if u.Email != "pilot@example.com" {
		t.Errorf("email = %q, want %q", u.Email, "pilot@example.com")
	}
	if u.Name != "Pilot One" || u.UID != "uid-123" {
		t.Errorf("user = %+v", u)
	}
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	v, err := NewJWTVerifier(publicPEM(t, pub), "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	claims := baseClaims()
	claims["user_id"] = "firebase-uid"
	u, err := v.Verify(context.Background(), idToken(t, jwt.SigningMethodEdDSA, priv, claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if u.UID != "firebase-uid" {
		t.Errorf("uid = %q, want user_id claim", u.UID)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, priv := newRSAVerifier(t)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name   string
		key    *rsa.PrivateKey
		mutate func(jwt.MapClaims)
	}{
		{"expired", priv, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"no exp", priv, func(c jwt.MapClaims) { delete(c, "exp") }},
		{"wrong issuer", priv, func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"wrong audience", priv, func(c jwt.MapClaims) { c["aud"] = "other-app" }},
		{"no email", priv, func(c jwt.MapClaims) { delete(c, "email") }},
		{"unverified email", priv, func(c jwt.MapClaims) { c["email_verified"] = false }},
		{"wrong key", other, func(jwt.MapClaims) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := baseClaims()
			tt.mutate(claims)
			_, err := v.Verify(context.Background(), idToken(t, jwt.SigningMethodRS256, tt.key, claims))
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("err = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	v, _ := newRSAVerifier(t)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestNewJWTVerifierBadPEM(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("garbage"), "", ""); err == nil {
		t.Error("expected error for malformed key")
	}
}
