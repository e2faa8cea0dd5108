package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"go.uber.org/zap"
)

// RBACRepository implements the repositories.RBACRepository interface
type RBACRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRBACRepository creates a new RBAC repository
func NewRBACRepository(db *DB, logger *zap.Logger) repositories.RBACRepository {
	return &RBACRepository{
		db:     db,
		logger: logger,
	}
}

// CreateRole creates a new role
func (r *RBACRepository) CreateRole(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (id, tenant_id, app_id, name, description, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		role.ID,
		role.TenantID,
		nullString(role.AppID),
		role.Name,
		role.Description,
		role.IsSystemRole,
		role.CreatedAt,
		role.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	r.logger.Debug("role created", zap.String("id", role.ID.String()), zap.String("name", role.Name))
	return nil
}

// GetRole retrieves a role by ID within a tenant
func (r *RBACRepository) GetRole(ctx context.Context, tenantID string, roleID uuid.UUID) (*models.Role, error) {
	query := `
		SELECT id, tenant_id, app_id, name, description, is_system_role, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	role := &models.Role{}
	var appID sql.NullString

	err := executor.QueryRowContext(ctx, query, tenantID, roleID).Scan(
		&role.ID,
		&role.TenantID,
		&appID,
		&role.Name,
		&role.Description,
		&role.IsSystemRole,
		&role.CreatedAt,
		&role.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	role.AppID = stringPtr(appID)
	return role, nil
}

// CreatePermission creates a new permission
func (r *RBACRepository) CreatePermission(ctx context.Context, permission *models.Permission) error {
	query := `
		INSERT INTO permissions (id, tenant_id, app_id, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		permission.ID,
		permission.TenantID,
		nullString(permission.AppID),
		permission.Name,
		permission.Description,
		permission.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	r.logger.Debug("permission created", zap.String("id", permission.ID.String()), zap.String("name", permission.Name))
	return nil
}

// GetPermission retrieves a permission by ID within a tenant
func (r *RBACRepository) GetPermission(ctx context.Context, tenantID string, permissionID uuid.UUID) (*models.Permission, error) {
	query := `
		SELECT id, tenant_id, app_id, name, description, created_at
		FROM permissions
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	permission := &models.Permission{}
	var appID sql.NullString

	err := executor.QueryRowContext(ctx, query, tenantID, permissionID).Scan(
		&permission.ID,
		&permission.TenantID,
		&appID,
		&permission.Name,
		&permission.Description,
		&permission.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}

	permission.AppID = stringPtr(appID)
	return permission, nil
}

// GetUserRole retrieves one assignment
func (r *RBACRepository) GetUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (*models.UserRole, error) {
	query := `
		SELECT tenant_id, user_id, role_id, assigned_at, assigned_by, expires_at
		FROM user_roles
		WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3
	`

	executor := GetExecutor(ctx, r.db)
	userRole, err := scanUserRole(executor.QueryRowContext(ctx, query, tenantID, userID, roleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user role: %w", err)
	}

	return userRole, nil
}

// ListUserRoles returns every assignment of a user within a tenant
func (r *RBACRepository) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error) {
	query := `
		SELECT tenant_id, user_id, role_id, assigned_at, assigned_by, expires_at
		FROM user_roles
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY assigned_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()

	var userRoles []*models.UserRole
	for rows.Next() {
		userRole, err := scanUserRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		userRoles = append(userRoles, userRole)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user role rows: %w", err)
	}

	return userRoles, nil
}

// CreateUserRole assigns a role to a user
func (r *RBACRepository) CreateUserRole(ctx context.Context, userRole *models.UserRole) error {
	query := `
		INSERT INTO user_roles (tenant_id, user_id, role_id, assigned_at, assigned_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		userRole.TenantID,
		userRole.UserID,
		userRole.RoleID,
		userRole.AssignedAt,
		userRole.AssignedBy,
		nullTimePtr(userRole.ExpiresAt),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create user role: %w", err)
	}

	return nil
}

// DeleteUserRole removes an assignment
func (r *RBACRepository) DeleteUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	query := `DELETE FROM user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, tenantID, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to delete user role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CreateRolePermission grants a permission to a role
func (r *RBACRepository) CreateRolePermission(ctx context.Context, grant *models.RolePermission) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id, granted_at, granted_by)
		VALUES ($1, $2, $3, $4)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		grant.RoleID,
		grant.PermissionID,
		grant.GrantedAt,
		grant.GrantedBy,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrDuplicate
		}
		return fmt.Errorf("failed to create role permission: %w", err)
	}

	return nil
}

// DeleteRolePermission revokes a permission from a role
func (r *RBACRepository) DeleteRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	query := `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete role permission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetEffectiveGrants resolves roles and permissions through assignments effective at now.
// Roles and permissions without an app apply to every app of the tenant.
func (r *RBACRepository) GetEffectiveGrants(ctx context.Context, subject repositories.SubjectKey, now time.Time) (*models.EffectiveGrants, error) {
	query := `
		SELECT r.name, p.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.tenant_id = ur.tenant_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
			AND (p.app_id IS NULL OR p.app_id = $3)
		WHERE ur.tenant_id = $1
		  AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > $4)
		  AND (r.app_id IS NULL OR r.app_id = $3)
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, subject.TenantID, subject.UserID, subject.AppID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query effective grants: %w", err)
	}
	defer rows.Close()

	acc := newGrantAccumulator()
	for rows.Next() {
		var roleName string
		var permissionName sql.NullString
		if err := rows.Scan(&roleName, &permissionName); err != nil {
			return nil, fmt.Errorf("failed to scan effective grant: %w", err)
		}
		acc.add(roleName, permissionName)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating effective grant rows: %w", err)
	}

	return acc.grants(), nil
}

// GetEffectiveGrantsBulk resolves several subjects with a single query
func (r *RBACRepository) GetEffectiveGrantsBulk(ctx context.Context, subjects []repositories.SubjectKey, now time.Time) (map[repositories.SubjectKey]*models.EffectiveGrants, error) {
	result := make(map[repositories.SubjectKey]*models.EffectiveGrants, len(subjects))
	if len(subjects) == 0 {
		return result, nil
	}

	userIDs := make([]string, 0, len(subjects))
	tenantIDs := make([]string, 0, len(subjects))
	appIDs := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if _, seen := result[s]; seen {
			continue
		}
		result[s] = nil
		userIDs = append(userIDs, s.UserID)
		tenantIDs = append(tenantIDs, s.TenantID)
		appIDs = append(appIDs, s.AppID)
	}

	query := `
		SELECT s.user_id, s.tenant_id, s.app_id, r.name, p.name
		FROM unnest($1::text[], $2::text[], $3::text[]) AS s(user_id, tenant_id, app_id)
		JOIN user_roles ur ON ur.tenant_id = s.tenant_id AND ur.user_id = s.user_id
		JOIN roles r ON r.id = ur.role_id AND r.tenant_id = ur.tenant_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
			AND (p.app_id IS NULL OR p.app_id = s.app_id)
		WHERE (ur.expires_at IS NULL OR ur.expires_at > $4)
		  AND (r.app_id IS NULL OR r.app_id = s.app_id)
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, pq.Array(userIDs), pq.Array(tenantIDs), pq.Array(appIDs), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query effective grants: %w", err)
	}
	defer rows.Close()

	accs := make(map[repositories.SubjectKey]*grantAccumulator, len(result))
	for rows.Next() {
		var key repositories.SubjectKey
		var roleName string
		var permissionName sql.NullString
		if err := rows.Scan(&key.UserID, &key.TenantID, &key.AppID, &roleName, &permissionName); err != nil {
			return nil, fmt.Errorf("failed to scan effective grant: %w", err)
		}
		acc, ok := accs[key]
		if !ok {
			acc = newGrantAccumulator()
			accs[key] = acc
		}
		acc.add(roleName, permissionName)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating effective grant rows: %w", err)
	}

	for key := range result {
		if acc, ok := accs[key]; ok {
			result[key] = acc.grants()
		} else {
			result[key] = &models.EffectiveGrants{Roles: []string{}, Permissions: []string{}}
		}
	}

	return result, nil
}

type grantAccumulator struct {
	roles       map[string]struct{}
	permissions map[string]struct{}
}

func newGrantAccumulator() *grantAccumulator {
	return &grantAccumulator{
		roles:       make(map[string]struct{}),
		permissions: make(map[string]struct{}),
	}
}

func (a *grantAccumulator) add(role string, permission sql.NullString) {
	a.roles[role] = struct{}{}
	if permission.Valid {
		a.permissions[permission.String] = struct{}{}
	}
}

func (a *grantAccumulator) grants() *models.EffectiveGrants {
	return &models.EffectiveGrants{
		Roles:       sortedKeys(a.roles),
		Permissions: sortedKeys(a.permissions),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func scanUserRole(row rowScanner) (*models.UserRole, error) {
	userRole := &models.UserRole{}
	var expiresAt sql.NullTime
	err := row.Scan(
		&userRole.TenantID,
		&userRole.UserID,
		&userRole.RoleID,
		&userRole.AssignedAt,
		&userRole.AssignedBy,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}
	userRole.ExpiresAt = timePtr(expiresAt)
	return userRole, nil
}
