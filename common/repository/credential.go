package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// CredentialRepository reads and refreshes stored provider credentials.
// Rows are issued by the OAuth callback path outside this system; the engine
// only reads tokens and writes refresh results.
type CredentialRepository struct {
	db *db.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(database *db.DB) *CredentialRepository {
	return &CredentialRepository{db: database}
}

// GetByUserProvider retrieves a user's credential for one provider
func (r *CredentialRepository) GetByUserProvider(ctx context.Context, userID, provider string) (*models.Credential, error) {
	query := `
		SELECT id, user_id, provider, credential_type, encrypted_access_token, encrypted_refresh_token,
			token_expires_at, scopes, is_valid, created_at, updated_at
		FROM credential
		WHERE user_id = $1 AND provider = $2
	`

	c := &models.Credential{}
	err := r.db.QueryRow(ctx, query, userID, provider).Scan(
		&c.ID,
		&c.UserID,
		&c.Provider,
		&c.CredentialType,
		&c.EncryptedAccessToken,
		&c.EncryptedRefreshToken,
		&c.TokenExpiresAt,
		&c.Scopes,
		&c.IsValid,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "no %s credential for user", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return c, nil
}

// UpdateTokens stores freshly refreshed ciphertext and expiry
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, expiresAt *time.Time) error {
	query := `
		UPDATE credential
		SET encrypted_access_token = $2, encrypted_refresh_token = $3, token_expires_at = $4,
			is_valid = true, updated_at = now()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, encryptedAccess, encryptedRefresh, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}

	return nil
}

// MarkInvalid flags a credential after a failed refresh
func (r *CredentialRepository) MarkInvalid(ctx context.Context, id string) error {
	query := `
		UPDATE credential
		SET is_valid = false, updated_at = now()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}

	return nil
}
