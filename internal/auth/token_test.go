// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token, err := verifier.Generate("acme", "alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	id, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if id.Tenant != "acme" {
		t.Errorf("Verify() tenant = %q, want %q", id.Tenant, "acme")
	}
	if id.User != "alice" {
		t.Errorf("Verify() user = %q, want %q", id.User, "alice")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				otherVerifier := NewJWTVerifier([]byte("different-secret"))
				token, _ := otherVerifier.Generate("acme", "alice", time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Error("Verify() expected error, got nil")
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token, err := verifier.Generate("acme", "alice", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := token.SignedString(secret)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}

	now := time.Now()

	// No tenant claim
	_, err := verifier.Verify(sign(jwt.MapClaims{
		"sub": "alice",
		"exp": now.Add(time.Hour).Unix(),
	}))
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() without tenant = %v, want ErrMissingClaim", err)
	}

	// No sub claim
	_, err = verifier.Verify(sign(jwt.MapClaims{
		"tenant": "acme",
		"exp":    now.Add(time.Hour).Unix(),
	}))
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() without sub = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_RejectsUnsignedToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":    "alice",
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := verifier.Verify(unsigned); err == nil {
		t.Error("Verify() accepted alg=none token")
	}
}
