package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// MinSessionSecretLength is the minimum number of bytes accepted for SESSION_SECRET
const MinSessionSecretLength = 32

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Hashing       HashingConfig
	Session       SessionConfig
	RBAC          RBACConfig
	Observability ObservabilityConfig
	Admin         AdminConfig
	StorageDriver string
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the key-value store connection. An empty Addr disables Redis
// and the in-memory store is used instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// HashingConfig holds client secret hashing parameters
type HashingConfig struct {
	Iterations         int
	KeyLength          int
	SecretGracePeriod  time.Duration
	AllowPublicClients bool
}

// SessionConfig holds browser session parameters
type SessionConfig struct {
	Secret          string
	CookieName      string
	CookieSecure    bool
	SlidingWindow   time.Duration
	Lifetime        time.Duration
	MaxAccounts     int
	CleanupSchedule string
}

// RBACConfig holds permission cache parameters
type RBACConfig struct {
	CacheTTL  time.Duration
	CacheSize int
}

// AdminConfig controls access to the admin API. When BootstrapClientID is set, a
// confidential client holding Scope is registered at startup if it does not exist.
type AdminConfig struct {
	Scope                 string
	BootstrapTenantID     string
	BootstrapClientID     string
	BootstrapClientSecret string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	env := getEnv("ENVIRONMENT", "development")
	cfg := &Config{
		Environment:   env,
		StorageDriver: getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Hashing: HashingConfig{
			Iterations:         getEnvAsInt("HASH_ITERATIONS", 100000),
			KeyLength:          getEnvAsInt("HASH_KEY_LENGTH", 32),
			SecretGracePeriod:  getEnvAsDuration("CLIENT_SECRET_GRACE_PERIOD", 24*time.Hour),
			AllowPublicClients: getEnvAsBool("ALLOW_PUBLIC_CLIENTS", true),
		},
		Session: SessionConfig{
			Secret:          getEnv("SESSION_SECRET", ""),
			CookieName:      getEnv("SESSION_COOKIE_NAME", "__session"),
			CookieSecure:    getEnvAsBool("SESSION_COOKIE_SECURE", env == "production" || env == "prod"),
			SlidingWindow:   getEnvAsDuration("SESSION_SLIDING_WINDOW", 24*time.Hour),
			Lifetime:        getEnvAsDuration("SESSION_LIFETIME", 720*time.Hour),
			MaxAccounts:     getEnvAsInt("SESSION_MAX_ACCOUNTS", 3),
			CleanupSchedule: getEnv("SESSION_CLEANUP_SCHEDULE", "@every 15m"),
		},
		RBAC: RBACConfig{
			CacheTTL:  getEnvAsDuration("RBAC_CACHE_TTL", 60*time.Second),
			CacheSize: getEnvAsInt("RBAC_CACHE_SIZE", 10000),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Admin: AdminConfig{
			Scope:                 getEnv("ADMIN_SCOPE", "issuer:admin"),
			BootstrapTenantID:     getEnv("ADMIN_TENANT_ID", "system"),
			BootstrapClientID:     getEnv("ADMIN_CLIENT_ID", ""),
			BootstrapClientSecret: getEnv("ADMIN_CLIENT_SECRET", ""),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StorageDriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory storage driver is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	if c.Session.Secret != "" && len(c.Session.Secret) < MinSessionSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes", MinSessionSecretLength)
	}
	if c.IsProduction() && c.Session.Secret == "" {
		return fmt.Errorf("session secret is required in production")
	}
	if c.Session.MaxAccounts < 1 {
		return fmt.Errorf("session max accounts must be positive")
	}
	if c.Session.SlidingWindow <= 0 || c.Session.Lifetime <= 0 {
		return fmt.Errorf("session sliding window and lifetime must be positive")
	}

	if c.Hashing.Iterations < 1 || c.Hashing.KeyLength < 16 {
		return fmt.Errorf("hash iterations must be positive and key length at least 16 bytes")
	}

	if c.Admin.BootstrapClientID != "" && c.Admin.BootstrapClientSecret == "" {
		return fmt.Errorf("admin client secret is required when ADMIN_CLIENT_ID is set")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "issuer"),
		Password:        getEnv("DB_PASSWORD", "issuer"),
		Database:        getEnv("DB_NAME", "issuer"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma-separated variable, dropping empty items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
