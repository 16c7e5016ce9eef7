package auth

import (
	"errors"
	"fmt"
	"time"
)

// Credential is the persisted auth material for one realm/tenant. The access
// token is short-lived; the refresh token is exchanged for a new pair when
// the destination reports unauthorized.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Realm        string    `json:"realm"`
	ClientID     string    `json:"clientId"`
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c Credential) Validate() error {
	if c.AccessToken == "" {
		return errors.New("credential has no access token")
	}
	if c.RefreshToken == "" {
		return errors.New("credential has no refresh token")
	}
	if c.Realm == "" {
		return errors.New("credential has no realm")
	}
	return nil
}

// Error is a fatal authentication failure: the refresh-token exchange was
// rejected, or the destination refused a token that had just been refreshed.
// It always halts the run.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }
