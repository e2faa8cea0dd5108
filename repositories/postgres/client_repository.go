package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"go.uber.org/zap"
)

// ClientRepository implements the repositories.ClientRepository interface
type ClientRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB, logger *zap.Logger) repositories.ClientRepository {
	return &ClientRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new client
func (r *ClientRepository) Create(ctx context.Context, client *models.OAuthClient) error {
	query := `
		INSERT INTO oauth_clients (
			client_id, tenant_id, secret_hash, previous_secret_hash, previous_secret_expires_at,
			name, redirect_uris, grant_types, scopes, enabled, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		client.ClientID,
		client.TenantID,
		nullString(client.SecretHash),
		nullString(client.PreviousSecretHash),
		nullTimePtr(client.PreviousSecretExpiresAt),
		client.Name,
		pq.Array(client.RedirectURIs),
		pq.Array(client.GrantTypes),
		pq.Array(client.Scopes),
		client.Enabled,
		client.Metadata,
		client.CreatedAt,
		client.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create client: %w", err)
	}

	r.logger.Debug("client created", zap.String("client_id", client.ClientID), zap.String("tenant_id", client.TenantID))
	return nil
}

// Get retrieves a client by ID
func (r *ClientRepository) Get(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	query := `
		SELECT client_id, tenant_id, secret_hash, previous_secret_hash, previous_secret_expires_at,
		       name, redirect_uris, grant_types, scopes, enabled, metadata, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	client := &models.OAuthClient{}
	var secretHash, previousHash sql.NullString
	var previousExpiresAt sql.NullTime

	err := executor.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&client.TenantID,
		&secretHash,
		&previousHash,
		&previousExpiresAt,
		&client.Name,
		pq.Array(&client.RedirectURIs),
		pq.Array(&client.GrantTypes),
		pq.Array(&client.Scopes),
		&client.Enabled,
		&client.Metadata,
		&client.CreatedAt,
		&client.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client.SecretHash = stringPtr(secretHash)
	client.PreviousSecretHash = stringPtr(previousHash)
	client.PreviousSecretExpiresAt = timePtr(previousExpiresAt)

	return client, nil
}

// Update applies a partial update. Nil fields keep their stored value.
func (r *ClientRepository) Update(ctx context.Context, clientID string, update repositories.ClientUpdate) (bool, error) {
	query := `
		UPDATE oauth_clients
		SET secret_hash = COALESCE($2, secret_hash),
		    previous_secret_hash = COALESCE($3, previous_secret_hash),
		    previous_secret_expires_at = COALESCE($4, previous_secret_expires_at),
		    name = COALESCE($5, name),
		    redirect_uris = COALESCE($6, redirect_uris),
		    scopes = COALESCE($7, scopes),
		    enabled = COALESCE($8, enabled),
		    updated_at = $9
		WHERE client_id = $1
	`

	var enabled sql.NullBool
	if update.Enabled != nil {
		enabled = sql.NullBool{Bool: *update.Enabled, Valid: true}
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		clientID,
		nullString(update.SecretHash),
		nullString(update.PreviousSecretHash),
		nullTimePtr(update.PreviousSecretExpiresAt),
		nullString(update.Name),
		pq.Array(update.RedirectURIs),
		pq.Array(update.Scopes),
		enabled,
		update.UpdatedAt,
	)

	if err != nil {
		return false, fmt.Errorf("failed to update client: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	r.logger.Debug("client updated", zap.String("client_id", clientID))
	return true, nil
}
