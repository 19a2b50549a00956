package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultIssuer = "happy-sync"

var (
	ErrMissingSecret = errors.New("missing token secret")
	ErrInvalidToken  = errors.New("invalid authentication token")
)

// Claims identify an account. The account id travels as the JWT subject.
type Claims struct {
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	// Issuer is stamped into new tokens and, when set, required on
	// verification.
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: DefaultIssuer,
	}
}

func CreateToken(userID string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if userID == "" {
		return "", errors.New("missing user id")
	}
	if cfg.Expiry <= 0 {
		return "", fmt.Errorf("invalid token expiry %s", cfg.Expiry)
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
		ID:        hex.EncodeToString(jti),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken checks signature, expiry and issuer. Every rejection matches
// ErrInvalidToken.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
