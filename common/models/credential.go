package models

import "time"

// CredentialType distinguishes how the stored token authenticates
type CredentialType string

const (
	CredentialOAuth2   CredentialType = "oauth2"
	CredentialAPIKey   CredentialType = "api_key"
	CredentialBotToken CredentialType = "bot_token"
)

// Credential holds a user's provider tokens. Token columns store AES-256-GCM
// ciphertext; plaintext exists only in-process and is never logged.
// Maps to: credential table
type Credential struct {
	ID                    string         `db:"id" json:"id"`
	UserID                string         `db:"user_id" json:"user_id"`
	Provider              string         `db:"provider" json:"provider"`
	CredentialType        CredentialType `db:"credential_type" json:"credential_type"`
	EncryptedAccessToken  string         `db:"encrypted_access_token" json:"-"`
	EncryptedRefreshToken string         `db:"encrypted_refresh_token" json:"-"`
	TokenExpiresAt        *time.Time     `db:"token_expires_at" json:"token_expires_at,omitempty"`
	Scopes                []string       `db:"scopes" json:"scopes,omitempty"`
	IsValid               bool           `db:"is_valid" json:"is_valid"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
}

// NeedsRefresh reports whether the token expires within the window.
func (c *Credential) NeedsRefresh(window time.Duration) bool {
	if c.CredentialType != CredentialOAuth2 || c.TokenExpiresAt == nil {
		return false
	}
	return time.Until(*c.TokenExpiresAt) < window
}
