// Package oauth manages Claude OAuth credentials for any number of
// accounts: PKCE login URLs, authorization-code exchange, proactive refresh
// ahead of expiry, and round-robin issuance to the upstream callers.
// Tokens persist across restarts through a pluggable Store (JSON file by
// default, redis optionally).
package oauth

import "time"

// Anthropic OAuth endpoints and client identity. The client ID is the
// public Claude Code identifier; the flow is PKCE so no secret exists.
const (
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	ClientID            = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	RedirectURI         = "https://console.anthropic.com/oauth/code/callback"
	Scopes              = "org:create_api_key user:profile user:inference"

	// BetaHeader must accompany upstream calls authenticated with an OAuth
	// access token.
	BetaHeader = "oauth-2025-04-20"
)

const (
	// refreshEarly is how long before expiry a refresh is scheduled.
	refreshEarly = 5 * time.Minute
	// refreshJitterMax spreads refreshes of tokens that expire together.
	refreshJitterMax = 30 * time.Second
	// refreshRetryDelay is the backoff after a refresh failed twice.
	refreshRetryDelay = 60 * time.Minute
	// stateTTL bounds how long a generated login state stays redeemable.
	stateTTL = 600 * time.Second
)

// Token is one account's credential set.
type Token struct {
	AccountEmail string    `json:"account_email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	UsageCount   uint64    `json:"usage_count"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

// Usable reports whether the access token can authenticate a request now.
func (t *Token) Usable(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Status is the externally visible view of a token, with secrets redacted.
type Status struct {
	AccountEmail string    `json:"account_email"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in_seconds"`
	Healthy      bool      `json:"healthy"`
	UsageCount   uint64    `json:"usage_count"`
	LastUsed     time.Time `json:"last_used,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}
