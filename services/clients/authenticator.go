// Package clients authenticates OAuth clients by secret and manages their
// registration and rotation.
package clients

import (
	"context"
	"errors"
	"time"

	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/services/secrets"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// placeholderSalt and placeholderSecret feed the derivation on paths that have
// nothing real to hash, so every validation costs one derivation.
var placeholderSalt = []byte("issuer-timing-eq")

const placeholderSecret = "placeholder-secret"

// Config controls client authentication policy
type Config struct {
	// GracePeriod is how long a rotated-out secret keeps validating
	GracePeriod time.Duration
	// AllowPublicClients makes clients without a stored secret validate
	AllowPublicClients bool
}

// Validation is the outcome of ValidateClient
type Validation struct {
	Valid          bool
	IsPublicClient bool
}

// CreateOptions holds the optional registration fields of a new client
type CreateOptions struct {
	TenantID     string                `json:"tenant_id" validate:"required,max=255"`
	RedirectURIs []string              `json:"redirect_uris" validate:"omitempty,dive,url"`
	GrantTypes   []string              `json:"grant_types" validate:"omitempty,dive,oneof=authorization_code client_credentials refresh_token implicit"`
	Scopes       []string              `json:"scopes" validate:"omitempty,dive,required"`
	Metadata     models.ClientMetadata `json:"metadata"`
}

// Authenticator validates client credentials
type Authenticator struct {
	repo    repositories.ClientRepository
	hasher  secrets.Hasher
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAuthenticator creates an Authenticator. logger and metrics may be nil.
func NewAuthenticator(repo repositories.ClientRepository, hasher secrets.Hasher, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{
		repo:    repo,
		hasher:  hasher,
		cfg:     cfg,
		logger:  observability.OrNop(logger),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// ValidateClient checks clientID and secret. An empty secret means none was supplied.
// Lookup errors, malformed stored data and mismatches all yield Valid=false.
func (a *Authenticator) ValidateClient(ctx context.Context, clientID, secret string) Validation {
	v, _ := a.evaluate(ctx, clientID, secret)
	return v
}

// AuthenticateClient validates the credentials and returns the client record on success
func (a *Authenticator) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.OAuthClient, bool) {
	v, client := a.evaluate(ctx, clientID, secret)
	if !v.Valid {
		return nil, v.IsPublicClient
	}
	return client, v.IsPublicClient
}

func (a *Authenticator) evaluate(ctx context.Context, clientID, secret string) (Validation, *models.OAuthClient) {
	start := time.Now()
	v, client, result := a.check(ctx, clientID, secret)
	a.metrics.RecordClientAuth(result, time.Since(start))
	if !v.Valid {
		a.logger.Debug("client authentication failed", zap.String("client_id", clientID))
	}
	return v, client
}

func (a *Authenticator) check(ctx context.Context, clientID, secret string) (Validation, *models.OAuthClient, string) {
	invalid := Validation{}

	client, err := a.repo.Get(ctx, clientID)
	if err != nil {
		a.logger.Debug("client lookup failed", zap.String("client_id", clientID), zap.Error(err))
		client = nil
	}

	switch {
	case client == nil || !client.Enabled:
		a.burn(secret)
		return invalid, nil, observability.AuthResultInvalid
	case client.IsPublic():
		a.burn(secret)
		if !a.cfg.AllowPublicClients {
			return Validation{IsPublicClient: true}, nil, observability.AuthResultInvalid
		}
		return Validation{Valid: true, IsPublicClient: true}, client, observability.AuthResultPublic
	case secret == "":
		a.burn(secret)
		return invalid, nil, observability.AuthResultInvalid
	}

	stored := *client.SecretHash
	salt, _, err := secrets.SplitHash(stored)
	if err != nil {
		a.burn(secret)
		a.logger.Warn("stored client secret hash is malformed",
			zap.String("client_id", clientID),
			zap.Error(services.ErrMalformedSecretHash))
		return invalid, nil, observability.AuthResultInvalid
	}

	derived, err := a.hasher.Hash(secret, salt)
	if err != nil {
		a.logger.Error("secret derivation failed", zap.String("client_id", clientID), zap.Error(err))
		return invalid, nil, observability.AuthResultInvalid
	}
	if secrets.Equal(derived.Hash, stored) {
		return Validation{Valid: true}, client, observability.AuthResultSuccess
	}

	if client.PreviousSecretValid(a.now()) {
		ok, err := secrets.Verify(a.hasher, secret, *client.PreviousSecretHash)
		if err != nil {
			a.logger.Warn("previous client secret hash is malformed", zap.String("client_id", clientID))
		}
		if ok {
			return Validation{Valid: true}, client, observability.AuthResultRotatedGrace
		}
	}

	return invalid, nil, observability.AuthResultInvalid
}

// burn performs the single derivation owed by paths without a usable stored hash
func (a *Authenticator) burn(secret string) {
	if secret == "" {
		secret = placeholderSecret
	}
	_, _ = a.hasher.Hash(secret, placeholderSalt)
}

// CreateClient registers a client. An empty secret registers a public client.
func (a *Authenticator) CreateClient(ctx context.Context, clientID, secret, name string, opts CreateOptions) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, services.ErrInvalidInput.WithDetail("client_id", "client_id is required")
	}
	if err := utils.ValidateStruct(opts); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	var secretHash *string
	if secret != "" {
		result, err := a.hasher.Hash(secret, nil)
		if err != nil {
			return nil, services.WrapInternal("failed to hash client secret", err)
		}
		secretHash = &result.Hash
	}

	client := models.NewOAuthClient(opts.TenantID, clientID, name, secretHash)
	now := a.now()
	client.CreatedAt = now
	client.UpdatedAt = now
	if opts.RedirectURIs != nil {
		client.RedirectURIs = opts.RedirectURIs
	}
	if opts.GrantTypes != nil {
		client.GrantTypes = opts.GrantTypes
	}
	if opts.Scopes != nil {
		client.Scopes = opts.Scopes
	}
	client.Metadata = opts.Metadata

	if err := a.repo.Create(ctx, client); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrClientAlreadyExists.WithDetail("client_id", clientID)
		}
		return nil, services.WrapInternal("failed to create client", err)
	}

	a.logger.Info("client created",
		zap.String("client_id", clientID),
		zap.String("tenant_id", opts.TenantID),
		zap.Bool("public", client.IsPublic()))
	return client, nil
}

// UpdateClientSecret rotates the secret. The current secret stays valid for the
// grace period. Returns false when the client does not exist or the write fails.
func (a *Authenticator) UpdateClientSecret(ctx context.Context, clientID, newSecret string) bool {
	if newSecret == "" {
		return false
	}

	client, err := a.repo.Get(ctx, clientID)
	if err != nil {
		a.logger.Error("failed to load client for rotation", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	if client == nil {
		return false
	}

	result, err := a.hasher.Hash(newSecret, nil)
	if err != nil {
		a.logger.Error("failed to hash rotated secret", zap.String("client_id", clientID), zap.Error(err))
		return false
	}

	now := a.now()
	update := repositories.ClientUpdate{
		SecretHash: &result.Hash,
		UpdatedAt:  now,
	}
	if client.SecretHash != nil {
		expiresAt := now.Add(a.cfg.GracePeriod)
		update.PreviousSecretHash = client.SecretHash
		update.PreviousSecretExpiresAt = &expiresAt
	}

	ok, err := a.repo.Update(ctx, clientID, update)
	if err != nil {
		a.logger.Error("failed to store rotated secret", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	if ok {
		a.logger.Info("client secret rotated",
			zap.String("client_id", clientID),
			zap.Duration("grace_period", a.cfg.GracePeriod))
	}
	return ok
}

// DisableClient soft-disables a client. Returns false when it does not exist.
func (a *Authenticator) DisableClient(ctx context.Context, clientID string) bool {
	enabled := false
	ok, err := a.repo.Update(ctx, clientID, repositories.ClientUpdate{Enabled: &enabled, UpdatedAt: a.now()})
	if err != nil {
		a.logger.Error("failed to disable client", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	if ok {
		a.logger.Info("client disabled", zap.String("client_id", clientID))
	}
	return ok
}
