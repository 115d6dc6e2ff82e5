package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/crypto"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/redis"
	"github.com/lyzr/conductor/common/repository"
)

const (
	// refreshWindow is how close to expiry a token gets refreshed.
	refreshWindow = 60 * time.Second

	// refreshLockTTL bounds a refresh holder across replicas.
	refreshLockTTL = 30 * time.Second
)

// Broker hands runners already-valid access tokens. Refreshes are serialized
// per (user, provider): a local mutex within the process, a Redis lock across
// replicas. Plaintext tokens never leave the process and are never logged;
// log correlation uses an 8-char SHA-256 digest prefix.
type Broker struct {
	repo   *repository.CredentialRepository
	cipher *crypto.Cipher
	redis  *redis.Client
	oauth  map[string]config.OAuthClient
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// BrokerOpts contains options for creating a Broker
type BrokerOpts struct {
	Repo   *repository.CredentialRepository
	Cipher *crypto.Cipher
	Redis  *redis.Client
	OAuth  map[string]config.OAuthClient
	Logger *logger.Logger
}

// NewBroker creates a new credential broker
func NewBroker(opts *BrokerOpts) *Broker {
	return &Broker{
		repo:   opts.Repo,
		cipher: opts.Cipher,
		redis:  opts.Redis,
		oauth:  opts.OAuth,
		log:    opts.Logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// AccessToken returns a valid access token for (user, provider), refreshing
// first when expiry is inside the refresh window.
func (b *Broker) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	cred, err := b.repo.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return "", errs.Newf(errs.KindAuth, "no %s credential connected", provider)
		}
		return "", err
	}

	if !cred.IsValid {
		return "", errs.Newf(errs.KindAuth, "%s credential is invalid, reconnect required", provider)
	}

	if cred.NeedsRefresh(refreshWindow) {
		cred, err = b.refresh(ctx, cred)
		if err != nil {
			return "", err
		}
	}

	token, err := b.cipher.Decrypt(cred.EncryptedAccessToken)
	if err != nil {
		return "", errs.Wrap(errs.KindAuth, "failed to decrypt access token", err)
	}

	return string(token), nil
}

// refresh exchanges the refresh token for a new access token, coalescing
// concurrent attempts
func (b *Broker) refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	key := cred.UserID + ":" + cred.Provider

	local := b.localLock(key)
	local.Lock()
	defer local.Unlock()

	// Someone may have refreshed while we waited on the local lock.
	fresh, err := b.repo.GetByUserProvider(ctx, cred.UserID, cred.Provider)
	if err != nil {
		return nil, err
	}
	if !fresh.NeedsRefresh(refreshWindow) {
		return fresh, nil
	}

	lock := redis.NewLock(b.redis, "credrefresh:"+key, refreshLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		b.log.Warn("credential refresh lock unavailable", "provider", cred.Provider, "error", err)
	}
	if err == nil && !acquired {
		// Another replica is refreshing. Give it a moment, then use
		// whatever row state it left.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		return b.repo.GetByUserProvider(ctx, cred.UserID, cred.Provider)
	}
	if acquired {
		defer lock.Release(context.WithoutCancel(ctx))
	}

	return b.doRefresh(ctx, fresh)
}

func (b *Broker) doRefresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	client, ok := b.oauth[cred.Provider]
	if !ok || client.ClientID == "" {
		return nil, errs.Newf(errs.KindAuth, "no oauth client configured for %s", cred.Provider)
	}

	refreshToken, err := b.cipher.Decrypt(cred.EncryptedRefreshToken)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuth, "failed to decrypt refresh token", err)
	}

	conf := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: client.TokenURL},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: string(refreshToken)}).Token()
	if err != nil {
		b.log.Warn("credential refresh failed",
			"provider", cred.Provider,
			"credential", crypto.DigestPrefix(cred.EncryptedAccessToken),
			"error", err,
		)
		if markErr := b.repo.MarkInvalid(ctx, cred.ID); markErr != nil {
			b.log.Error("failed to mark credential invalid", "error", markErr)
		}
		return nil, errs.Wrap(errs.KindAuth, fmt.Sprintf("%s token refresh failed", cred.Provider), err)
	}

	encAccess, err := b.cipher.Encrypt([]byte(token.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refreshed token: %w", err)
	}

	encRefresh := cred.EncryptedRefreshToken
	if token.RefreshToken != "" {
		encRefresh, err = b.cipher.Encrypt([]byte(token.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		expiresAt = &expiry
	}

	if err := b.repo.UpdateTokens(ctx, cred.ID, encAccess, encRefresh, expiresAt); err != nil {
		return nil, err
	}

	b.log.Info("credential refreshed",
		"provider", cred.Provider,
		"credential", crypto.DigestPrefix(encAccess),
	)

	cred.EncryptedAccessToken = encAccess
	cred.EncryptedRefreshToken = encRefresh
	cred.TokenExpiresAt = expiresAt
	return cred, nil
}

func (b *Broker) localLock(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[key]
	if !ok {
		l = &sync.Mutex{}
		b.locks[key] = l
	}
	return l
}
