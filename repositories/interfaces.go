package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/models"
)

var (
	// ErrVersionConflict is returned by conditional writes when the stored version moved
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound is returned by conditional writes when the target row no longer exists
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ClientUpdate carries the fields of a partial client update. Nil fields are left untouched.
type ClientUpdate struct {
	SecretHash              *string
	PreviousSecretHash      *string
	PreviousSecretExpiresAt *time.Time
	Name                    *string
	RedirectURIs            []string
	Scopes                  []string
	Enabled                 *bool
	UpdatedAt               time.Time
}

// ClientRepository handles OAuth client records
type ClientRepository interface {
	// Get retrieves a client by ID. Returns nil, nil when the client does not exist.
	Get(ctx context.Context, clientID string) (*models.OAuthClient, error)

	// Create persists a new client
	Create(ctx context.Context, client *models.OAuthClient) error

	// Update applies a partial update. Returns false when the client does not exist.
	Update(ctx context.Context, clientID string, update ClientUpdate) (bool, error)
}

// SessionCommit is an atomic, version-conditioned change to one browser session
// and its account sessions.
type SessionCommit struct {
	// Session is the new browser session state. Its Version must be ExpectedVersion+1.
	Session *models.BrowserSession

	// ExpectedVersion is the version the change was computed from
	ExpectedVersion int64

	// Upserts are account sessions to insert or replace, keyed by user ID
	Upserts []*models.AccountSession

	// RemoveUserIDs are account sessions to delete
	RemoveUserIDs []string
}

// SessionRepository handles browser and account session records
type SessionRepository interface {
	// CreateBrowserSession persists a new browser session
	CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error

	// GetBrowserSession retrieves a browser session. Returns nil, nil when absent.
	GetBrowserSession(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error)

	// ListAccountSessions returns all account sessions of a browser session
	ListAccountSessions(ctx context.Context, browserSessionID uuid.UUID) ([]*models.AccountSession, error)

	// CommitBrowserSession applies the change only if the stored version still equals
	// ExpectedVersion. Returns ErrVersionConflict otherwise, or ErrNotFound when the
	// session was deleted.
	CommitBrowserSession(ctx context.Context, commit SessionCommit) error

	// TouchBrowserSession moves last_activity forward. It never moves it backwards and
	// leaves sessions idle since idleCutoff or created before lifetimeCutoff alone.
	// Returns false when no live session was found.
	TouchBrowserSession(ctx context.Context, id uuid.UUID, at, idleCutoff, lifetimeCutoff time.Time) (bool, error)

	// DeleteBrowserSession deletes a browser session and its account sessions
	DeleteBrowserSession(ctx context.Context, id uuid.UUID) (bool, error)

	// ListBrowserSessionsByUser returns sessions in the tenant holding an account for the user
	ListBrowserSessionsByUser(ctx context.Context, tenantID, userID string) ([]*models.BrowserSession, error)

	// DeleteExpiredBrowserSessions deletes sessions idle since before idleCutoff or
	// created before lifetimeCutoff, returning the number removed
	DeleteExpiredBrowserSessions(ctx context.Context, idleCutoff, lifetimeCutoff time.Time) (int64, error)
}

// SubjectKey identifies the subject of a permission evaluation
type SubjectKey struct {
	UserID   string
	TenantID string
	AppID    string
}

// RBACRepository handles roles, permissions and their assignments
type RBACRepository interface {
	// CreateRole persists a new role
	CreateRole(ctx context.Context, role *models.Role) error

	// GetRole retrieves a role within a tenant. Returns nil, nil when absent.
	GetRole(ctx context.Context, tenantID string, roleID uuid.UUID) (*models.Role, error)

	// CreatePermission persists a new permission
	CreatePermission(ctx context.Context, permission *models.Permission) error

	// GetPermission retrieves a permission within a tenant. Returns nil, nil when absent.
	GetPermission(ctx context.Context, tenantID string, permissionID uuid.UUID) (*models.Permission, error)

	// GetUserRole retrieves an assignment. Returns nil, nil when absent.
	GetUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (*models.UserRole, error)

	// ListUserRoles returns every assignment of the user in the tenant, expired ones included
	ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error)

	// CreateUserRole persists an assignment. Returns ErrDuplicate when it already exists.
	CreateUserRole(ctx context.Context, userRole *models.UserRole) error

	// DeleteUserRole removes an assignment. Returns false when it did not exist.
	DeleteUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error)

	// CreateRolePermission persists a grant. Returns ErrDuplicate when it already exists.
	CreateRolePermission(ctx context.Context, grant *models.RolePermission) error

	// DeleteRolePermission removes a grant. Returns false when it did not exist.
	DeleteRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error)

	// GetEffectiveGrants resolves role and permission names reachable through
	// assignments effective at now
	GetEffectiveGrants(ctx context.Context, subject SubjectKey, now time.Time) (*models.EffectiveGrants, error)

	// GetEffectiveGrantsBulk resolves several subjects in one lookup
	GetEffectiveGrantsBulk(ctx context.Context, subjects []SubjectKey, now time.Time) (map[SubjectKey]*models.EffectiveGrants, error)
}

// KVEntry is one key/value pair returned by a scan
type KVEntry struct {
	Key   []string
	Value []byte
}

// KVStore is a key-value store for token and session blobs. Keys are segment paths.
type KVStore interface {
	// Get returns the value and whether it exists
	Get(ctx context.Context, key []string) ([]byte, bool, error)

	// Set stores a value. A nil expiry keeps it until removed.
	Set(ctx context.Context, key []string, value []byte, expiry *time.Time) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key []string) error

	// Scan returns one page of entries under prefix starting at cursor, plus the cursor
	// for the next page. count is the page size hint. An empty next cursor means the
	// scan is complete. Callers must tolerate an entry appearing on more than one page.
	Scan(ctx context.Context, prefix []string, cursor string, count int) ([]KVEntry, string, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Clients  ClientRepository
	Sessions SessionRepository
	RBAC     RBACRepository
	KV       KVStore
}
