package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/oauth-issuer/config"
	"github.com/upb/oauth-issuer/handlers"
	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/repositories/memory"
	"github.com/upb/oauth-issuer/repositories/postgres"
	redisrepo "github.com/upb/oauth-issuer/repositories/redis"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/services/clients"
	"github.com/upb/oauth-issuer/services/rbac"
	"github.com/upb/oauth-issuer/services/secrets"
	"github.com/upb/oauth-issuer/services/session"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	DB      *postgres.DB
	Redis   *goredis.Client

	// Repository Factory (nil with the memory driver)
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Services
	Clients         *clients.Authenticator
	Sessions        *session.Service
	Sweeper         *session.Sweeper
	RBAC            *rbac.Service
	PermissionCache *rbac.PermissionCache

	// HTTP
	TenantMiddleware     *middleware.TenantMiddleware
	SessionMiddleware    *middleware.SessionMiddleware
	ClientAuthMiddleware *middleware.ClientAuthMiddleware
	HealthHandler        *handlers.HealthHandler
	ClientHandler        *handlers.ClientHandler
	SessionHandler       *handlers.SessionHandler
	RBACHandler          *handlers.RBACHandler

	// cancel stops the background workers
	cancel context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initKVStore(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize kv store: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := deps.bootstrapAdminClient(ctx, cfg.Admin); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to bootstrap admin client: %w", err)
	}

	if err := deps.startWorkers(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to start background workers: %w", err)
	}

	deps.initHTTP()

	logger.Info("all dependencies initialized successfully",
		zap.String("storage_driver", cfg.StorageDriver),
		zap.Bool("redis", deps.Redis != nil))
	return deps, nil
}

// initStorage opens the configured repository backend
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.StorageDriver == config.StorageDriverMemory {
		d.Repos = &repositories.Repositories{
			Clients:  memory.NewClientRepository(),
			Sessions: memory.NewSessionRepository(),
			RBAC:     memory.NewRBACRepository(),
		}
		d.Logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.Logger.Info("repositories initialized")
	return nil
}

// initKVStore connects Redis when configured and falls back to the in-memory store
func (d *Dependencies) initKVStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Addr == "" {
		d.Repos.KV = memory.NewKVStore()
		return nil
	}

	client, err := redisrepo.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	d.Redis = client
	d.Repos.KV = redisrepo.NewKVStore(client, d.Logger)
	d.Logger.Info("redis kv store connected", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initServices builds the client, session and RBAC services
func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Clients = clients.NewAuthenticator(
		d.Repos.Clients,
		secrets.NewPBKDF2Hasher(cfg.Hashing),
		clients.Config{
			GracePeriod:        cfg.Hashing.SecretGracePeriod,
			AllowPublicClients: cfg.Hashing.AllowPublicClients,
		},
		d.Logger, d.Metrics)

	secret, err := d.sessionSecret(cfg.Session)
	if err != nil {
		return err
	}
	codec, err := session.NewCookieCodec(secret)
	if err != nil {
		return fmt.Errorf("failed to create cookie codec: %w", err)
	}
	sessionCfg := session.ConfigFrom(cfg.Session)
	d.Sessions = session.NewService(d.Repos.Sessions, codec, d.Repos.KV, sessionCfg, d.Logger, d.Metrics)
	d.Sweeper = session.NewSweeper(d.Repos.Sessions, sessionCfg, d.Logger, d.Metrics)

	d.PermissionCache = rbac.NewPermissionCache(cfg.RBAC.CacheSize, cfg.RBAC.CacheTTL)
	d.RBAC = rbac.NewService(d.Repos.RBAC, d.PermissionCache, d.Logger, d.Metrics)

	d.Logger.Info("services initialized")
	return nil
}

// sessionSecret returns the configured cookie secret, or a random one outside production.
// Cookies sealed with a random secret do not survive a restart.
func (d *Dependencies) sessionSecret(cfg config.SessionConfig) ([]byte, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}
	if d.Config.IsProduction() {
		return nil, errors.New("session secret is required in production")
	}

	secret := make([]byte, session.MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}
	d.Logger.Warn("SESSION_SECRET not set, using a random secret for this process")
	return secret, nil
}

// bootstrapAdminClient registers the configured admin client when it does not exist yet
func (d *Dependencies) bootstrapAdminClient(ctx context.Context, cfg config.AdminConfig) error {
	if cfg.BootstrapClientID == "" {
		return nil
	}

	_, err := d.Clients.CreateClient(ctx, cfg.BootstrapClientID, cfg.BootstrapClientSecret, "Issuer administration", clients.CreateOptions{
		TenantID:   cfg.BootstrapTenantID,
		GrantTypes: []string{"client_credentials"},
		Scopes:     []string{cfg.Scope},
	})
	if errors.Is(err, services.ErrClientAlreadyExists) {
		d.Logger.Info("admin client already registered", zap.String("client_id", cfg.BootstrapClientID))
		return nil
	}
	return err
}

// startWorkers schedules the session sweeper and the permission cache cleanup
func (d *Dependencies) startWorkers(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if err := d.Sweeper.Start(ctx, cfg.Session.CleanupSchedule); err != nil {
		return err
	}
	go d.PermissionCache.StartCleanupWorker(cfg.RBAC.CacheTTL, ctx.Done())
	return nil
}

// initHTTP builds middleware and handlers over the services
func (d *Dependencies) initHTTP() {
	d.TenantMiddleware = middleware.NewTenantMiddleware(d.Logger)
	d.SessionMiddleware = middleware.NewSessionMiddleware(d.Sessions, d.Logger)
	d.ClientAuthMiddleware = middleware.NewClientAuthMiddleware(d.Clients, d.Logger)

	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, d.Logger)
	if d.Redis != nil {
		d.HealthHandler.WithCheck("redis", func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		})
	}

	d.ClientHandler = handlers.NewClientHandler(d.Clients, d.Logger)
	d.SessionHandler = handlers.NewSessionHandler(d.Sessions, d.Logger)
	d.RBACHandler = handlers.NewRBACHandler(d.RBAC, d.Logger)
}

// closeStores releases connections opened during a failed initialization
func (d *Dependencies) closeStores() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.cancel != nil {
		d.cancel()
	}
	if d.Sweeper != nil {
		d.Sweeper.Stop()
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
