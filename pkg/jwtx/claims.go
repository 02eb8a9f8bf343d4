package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformed = errors.New("jwtx: malformed token")

// Claims are the access-token claims the client cares about. The server
// signs them; the client only reads them to learn who it is and when the
// token stops being useful, it never makes trust decisions from them.
type Claims struct {
	jwt.RegisteredClaims

	Email   string `json:"email,omitempty"`
	Premium bool   `json:"isPremium,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// ParseUnverified decodes the token payload without checking the signature.
// The client holds no verification key, the server re-checks every request.
func ParseUnverified(token string) (Claims, error) {
	var c Claims
	if token == "" {
		return c, ErrMalformed
	}

	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return c, nil
}

// Expiry returns the exp claim or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
