package models

import (
	"time"

	"github.com/google/uuid"
)

// App is an application registered under a tenant. Permissions are scoped to apps.
type App struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the App model
func (App) TableName() string {
	return "apps"
}

// Role is a named set of permissions. A nil AppID makes it tenant-wide.
type Role struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	AppID        *string   `json:"app_id,omitempty" db:"app_id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	IsSystemRole bool      `json:"is_system_role" db:"is_system_role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Role model
func (Role) TableName() string {
	return "roles"
}

// NewRole creates a new Role instance
func NewRole(tenantID string, appID *string, name, description string) *Role {
	now := time.Now().UTC()
	return &Role{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AppID:       appID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Permission is a named capability within an app, e.g. "invoices:read"
type Permission struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	AppID       *string   `json:"app_id,omitempty" db:"app_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Permission model
func (Permission) TableName() string {
	return "permissions"
}

// NewPermission creates a new Permission instance
func NewPermission(tenantID string, appID *string, name, description string) *Permission {
	return &Permission{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AppID:       appID,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

// RolePermission grants a permission to a role
type RolePermission struct {
	RoleID       uuid.UUID `json:"role_id" db:"role_id"`
	PermissionID uuid.UUID `json:"permission_id" db:"permission_id"`
	GrantedAt    time.Time `json:"granted_at" db:"granted_at"`
	GrantedBy    string    `json:"granted_by" db:"granted_by"`
}

// TableName returns the table name for the RolePermission model
func (RolePermission) TableName() string {
	return "role_permissions"
}

// UserRole assigns a role to a user within a tenant. A nil ExpiresAt is permanent.
type UserRole struct {
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	RoleID     uuid.UUID  `json:"role_id" db:"role_id"`
	AssignedAt time.Time  `json:"assigned_at" db:"assigned_at"`
	AssignedBy string     `json:"assigned_by" db:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// TableName returns the table name for the UserRole model
func (UserRole) TableName() string {
	return "user_roles"
}

// Effective reports whether the assignment counts for permission evaluation at now
func (ur *UserRole) Effective(now time.Time) bool {
	return ur.ExpiresAt == nil || ur.ExpiresAt.After(now)
}

// EffectiveGrants is the resolved role and permission names for one subject
type EffectiveGrants struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the named permission is granted
func (g *EffectiveGrants) Has(permission string) bool {
	if g == nil {
		return false
	}
	for _, p := range g.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
