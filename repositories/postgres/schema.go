package postgres

import (
	"context"
	"fmt"
	"sync"
)

const schemaDDL = `
		-- OAuth clients
		CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			secret_hash TEXT,
			previous_secret_hash TEXT,
			previous_secret_expires_at TIMESTAMPTZ,
			name VARCHAR(255) NOT NULL,
			redirect_uris TEXT[] NOT NULL DEFAULT '{}',
			grant_types TEXT[] NOT NULL DEFAULT '{}',
			scopes TEXT[] NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT true,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Browser sessions
		CREATE TABLE IF NOT EXISTS browser_sessions (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			ip_address VARCHAR(45) NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			active_user_id VARCHAR(255)
		);

		-- Account sessions
		CREATE TABLE IF NOT EXISTS account_sessions (
			id UUID PRIMARY KEY,
			browser_session_id UUID NOT NULL REFERENCES browser_sessions(id) ON DELETE CASCADE,
			user_id VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT false,
			authenticated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			subject_type VARCHAR(50) NOT NULL DEFAULT 'user',
			subject_properties JSONB NOT NULL DEFAULT '{}',
			refresh_token TEXT NOT NULL DEFAULT '',
			client_id VARCHAR(255) NOT NULL DEFAULT '',
			UNIQUE(browser_session_id, user_id)
		);

		-- Apps
		CREATE TABLE IF NOT EXISTS apps (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Roles
		CREATE TABLE IF NOT EXISTS roles (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			app_id VARCHAR(255),
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_system_role BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Permissions
		CREATE TABLE IF NOT EXISTS permissions (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			app_id VARCHAR(255),
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Role grants
		CREATE TABLE IF NOT EXISTS role_permissions (
			role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			permission_id UUID NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
			granted_at TIMESTAMPTZ NOT NULL,
			granted_by VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (role_id, permission_id)
		);

		-- Role assignments
		CREATE TABLE IF NOT EXISTS user_roles (
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			assigned_at TIMESTAMPTZ NOT NULL,
			assigned_by VARCHAR(255) NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, user_id, role_id)
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_oauth_clients_tenant_id ON oauth_clients(tenant_id);

		CREATE INDEX IF NOT EXISTS idx_browser_sessions_tenant_id ON browser_sessions(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_browser_sessions_last_activity ON browser_sessions(last_activity);
		CREATE INDEX IF NOT EXISTS idx_browser_sessions_created_at ON browser_sessions(created_at);
		CREATE INDEX IF NOT EXISTS idx_account_sessions_user_id ON account_sessions(user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_account_sessions_one_active
			ON account_sessions(browser_session_id) WHERE is_active;

		CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_tenant_app_name ON roles(tenant_id, COALESCE(app_id, ''), name);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_tenant_app_name ON permissions(tenant_id, COALESCE(app_id, ''), name);
		CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
		CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);
	`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

type schemaState int

const (
	schemaPending schemaState = iota
	schemaRunning
	schemaComplete
)

// SchemaInitializer runs schema creation at most once per process.
// Concurrent callers wait for the running attempt; a failed attempt returns the
// initializer to pending so the next call retries.
type SchemaInitializer struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state schemaState
	run   func(ctx context.Context) error
}

// NewSchemaInitializer creates an initializer around the database schema
func NewSchemaInitializer(db *DB) *SchemaInitializer {
	return newSchemaInitializer(db.InitSchema)
}

func newSchemaInitializer(run func(ctx context.Context) error) *SchemaInitializer {
	s := &SchemaInitializer{run: run}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Ensure initializes the schema unless a previous call already completed it
func (s *SchemaInitializer) Ensure(ctx context.Context) error {
	s.mu.Lock()
	for s.state == schemaRunning {
		s.cond.Wait()
	}
	if s.state == schemaComplete {
		s.mu.Unlock()
		return nil
	}
	s.state = schemaRunning
	s.mu.Unlock()

	err := s.run(ctx)

	s.mu.Lock()
	if err != nil {
		s.state = schemaPending
	} else {
		s.state = schemaComplete
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	return err
}

// Complete reports whether the schema has been initialized
func (s *SchemaInitializer) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == schemaComplete
}

