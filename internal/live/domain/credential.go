package domain

import (
	"strconv"
	"time"
)

// AuthResponse is what the login, register and refresh endpoints return once
// the envelope has been unwrapped.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       int64  `json:"userId,omitempty"`
	Email        string `json:"email,omitempty"`
	IsPremium    bool   `json:"isPremium,omitempty"`
}

// Credential is the authenticated session held by the credential store. The
// two tokens are always written together.
type Credential struct {
	AccessToken  string
	RefreshToken string
	SubjectID    string
	Email        string
	Premium      bool
	ExpiresAt    time.Time // from the access token's exp claim, zero if absent
	UpdatedAt    time.Time
}

// IsZero reports whether c holds no session.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Expired reports whether the access token's exp has passed at now. A
// credential without a known expiry never reports expired.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// SubjectFromUserID formats the numeric user id the API returns the same way
// the token's sub claim carries it.
func SubjectFromUserID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}
