package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Default token lifetimes.
const (
	DefaultTokenTTL     = 15 * time.Minute
	DefaultRefreshAhead = 30 * time.Second
)

// Claims are the JWT claims carried by client tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// JWTConfig configures token signing.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Subject  string
	Audience []string
	Scope    string

	// TTL is the token lifetime. Zero selects DefaultTokenTTL.
	TTL time.Duration
	// RefreshAhead renews cached tokens this long before expiry. Zero
	// selects DefaultRefreshAhead.
	RefreshAhead time.Duration
}

func (c JWTConfig) withDefaults() JWTConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTokenTTL
	}
	if c.RefreshAhead <= 0 {
		c.RefreshAhead = DefaultRefreshAhead
	}
	if c.RefreshAhead >= c.TTL {
		c.RefreshAhead = c.TTL / 2
	}
	return c
}

// GenerateToken signs an HS256 token issued at now. It returns the token
// and its expiry.
func GenerateToken(cfg JWTConfig, now time.Time) (string, time.Time, error) {
	if cfg.Secret == "" {
		return "", time.Time{}, ErrMissingSecret
	}
	cfg = cfg.withDefaults()

	expires := now.Add(cfg.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   cfg.Subject,
			Audience:  cfg.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Scope: cfg.Scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// ParseToken validates an HS256 token and returns its claims. It checks the
// signature, the time claims and that a subject is present.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}
