package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID() != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID())
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	tok, err := CreateToken("user-1", TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "elsewhere"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCreateToken_InvalidExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	if _, err := CreateToken("user-1", cfg); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := CreateToken("user-1", TokenConfig{Expiry: time.Hour}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
	}
	for header, want := range cases {
		got, ok := BearerToken(header)
		if !ok || got != want {
			t.Fatalf("BearerToken(%q) = %q, %v", header, got, ok)
		}
	}
	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc"} {
		if _, ok := BearerToken(header); ok {
			t.Fatalf("BearerToken(%q) should fail", header)
		}
	}
}
