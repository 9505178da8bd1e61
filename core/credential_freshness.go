package core

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultCredentialExpiringSoonWindow = 5 * time.Minute
	DefaultCredentialRefreshLeadWindow  = 1 * time.Minute
)

// CredentialTokenState captures lifecycle flags derived from a stored pair.
type CredentialTokenState struct {
	ExpiresAt       *time.Time
	HasAccessToken  bool
	HasRefreshToken bool
	CanAutoRefresh  bool
	IsExpired       bool
	IsExpiringSoon  bool
}

// AccessTokenExpiry reads the exp claim of a JWT access token without
// verifying its signature. Opaque tokens report false.
func AccessTokenExpiry(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}

// ResolveCredentialTokenState evaluates expiry and refreshability flags.
func ResolveCredentialTokenState(now time.Time, credential Credential, expiringSoonWindow time.Duration) CredentialTokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if expiringSoonWindow <= 0 {
		expiringSoonWindow = DefaultCredentialExpiringSoonWindow
	}

	state := CredentialTokenState{
		HasAccessToken:  strings.TrimSpace(credential.AccessToken) != "",
		HasRefreshToken: strings.TrimSpace(credential.RefreshToken) != "",
	}
	state.CanAutoRefresh = state.HasRefreshToken

	expiresAt, ok := AccessTokenExpiry(credential.AccessToken)
	if !ok {
		return state
	}
	state.ExpiresAt = &expiresAt
	if !expiresAt.After(now) {
		state.IsExpired = true
		return state
	}
	state.IsExpiringSoon = !expiresAt.After(now.Add(expiringSoonWindow))
	return state
}

// ShouldRefreshCredential returns true when a renewal should run before the
// next request is sent.
func ShouldRefreshCredential(now time.Time, state CredentialTokenState, refreshLeadWindow time.Duration) bool {
	if !state.CanAutoRefresh {
		return false
	}
	if !state.HasAccessToken {
		return true
	}
	if state.ExpiresAt == nil {
		return false
	}
	if refreshLeadWindow <= 0 {
		refreshLeadWindow = DefaultCredentialRefreshLeadWindow
	}
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	return !state.ExpiresAt.UTC().After(now.Add(refreshLeadWindow))
}
