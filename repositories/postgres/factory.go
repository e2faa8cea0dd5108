package postgres

import (
	"context"

	"github.com/upb/oauth-issuer/config"
	"github.com/upb/oauth-issuer/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages the Postgres-backed repositories
type RepositoryFactory struct {
	db     *DB
	schema *SchemaInitializer
	logger *zap.Logger
}

// NewRepositoryFactory opens the database and creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return NewRepositoryFactoryFromDB(db, logger), nil
}

// NewRepositoryFactoryFromDB creates a factory around an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{
		db:     db,
		schema: NewSchemaInitializer(db),
		logger: logger,
	}
}

// EnsureSchema creates the schema once per process
func (f *RepositoryFactory) EnsureSchema(ctx context.Context) error {
	return f.schema.Ensure(ctx)
}

// NewRepositories creates all repository instances. The KV store is left to the caller.
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Clients:  NewClientRepository(f.db, f.logger),
		Sessions: NewSessionRepository(f.db, f.logger),
		RBAC:     NewRBACRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
