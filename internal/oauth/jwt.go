package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the metadata extracted from an upstream id token. The decode is
// deliberately unverified: the token is only inspected for display and
// bookkeeping, and is bound to the upstream's own trust anchor.
type Claims struct {
	Email     string
	AccountID string
	ExpiresAt time.Time
}

// DecodeClaims extracts metadata claims from a JWT without verifying its
// signature.
func DecodeClaims(token string) (Claims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("decoding id token: %w", err)
	}

	out := Claims{}
	if v, ok := claims["email"].(string); ok {
		out.Email = v
	}
	if v, ok := claims["sub"].(string); ok {
		out.AccountID = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
