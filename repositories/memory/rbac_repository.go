package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
)

type userRoleKey struct {
	tenantID string
	userID   string
	roleID   uuid.UUID
}

// RBACRepository is an in-memory repositories.RBACRepository
type RBACRepository struct {
	mu          sync.RWMutex
	roles       map[uuid.UUID]*models.Role
	permissions map[uuid.UUID]*models.Permission
	grants      map[uuid.UUID]map[uuid.UUID]*models.RolePermission
	userRoles   map[userRoleKey]*models.UserRole
}

// NewRBACRepository creates an empty RBAC repository
func NewRBACRepository() *RBACRepository {
	return &RBACRepository{
		roles:       make(map[uuid.UUID]*models.Role),
		permissions: make(map[uuid.UUID]*models.Permission),
		grants:      make(map[uuid.UUID]map[uuid.UUID]*models.RolePermission),
		userRoles:   make(map[userRoleKey]*models.UserRole),
	}
}

// CreateRole stores a role
func (r *RBACRepository) CreateRole(ctx context.Context, role *models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.roles {
		if existing.TenantID == role.TenantID && sameApp(existing.AppID, role.AppID) && existing.Name == role.Name {
			return repositories.ErrDuplicate
		}
	}
	c := *role
	r.roles[role.ID] = &c
	return nil
}

// GetRole returns a role within a tenant
func (r *RBACRepository) GetRole(ctx context.Context, tenantID string, roleID uuid.UUID) (*models.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return nil, nil
	}
	c := *role
	return &c, nil
}

// CreatePermission stores a permission
func (r *RBACRepository) CreatePermission(ctx context.Context, permission *models.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.permissions {
		if existing.TenantID == permission.TenantID && sameApp(existing.AppID, permission.AppID) && existing.Name == permission.Name {
			return repositories.ErrDuplicate
		}
	}
	c := *permission
	r.permissions[permission.ID] = &c
	return nil
}

// GetPermission returns a permission within a tenant
func (r *RBACRepository) GetPermission(ctx context.Context, tenantID string, permissionID uuid.UUID) (*models.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.permissions[permissionID]
	if !ok || p.TenantID != tenantID {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// GetUserRole returns one assignment
func (r *RBACRepository) GetUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (*models.UserRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ur, ok := r.userRoles[userRoleKey{tenantID, userID, roleID}]
	if !ok {
		return nil, nil
	}
	c := *ur
	return &c, nil
}

// ListUserRoles returns every assignment of the user in the tenant
func (r *RBACRepository) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.UserRole
	for key, ur := range r.userRoles {
		if key.tenantID == tenantID && key.userID == userID {
			c := *ur
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

// CreateUserRole stores an assignment
func (r *RBACRepository) CreateUserRole(ctx context.Context, userRole *models.UserRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userRoleKey{userRole.TenantID, userRole.UserID, userRole.RoleID}
	if _, exists := r.userRoles[key]; exists {
		return repositories.ErrDuplicate
	}
	c := *userRole
	r.userRoles[key] = &c
	return nil
}

// DeleteUserRole removes an assignment
func (r *RBACRepository) DeleteUserRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userRoleKey{tenantID, userID, roleID}
	if _, ok := r.userRoles[key]; !ok {
		return false, nil
	}
	delete(r.userRoles, key)
	return true, nil
}

// CreateRolePermission stores a grant
func (r *RBACRepository) CreateRolePermission(ctx context.Context, grant *models.RolePermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perms, ok := r.grants[grant.RoleID]
	if !ok {
		perms = make(map[uuid.UUID]*models.RolePermission)
		r.grants[grant.RoleID] = perms
	}
	if _, exists := perms[grant.PermissionID]; exists {
		return repositories.ErrDuplicate
	}
	c := *grant
	perms[grant.PermissionID] = &c
	return nil
}

// DeleteRolePermission removes a grant
func (r *RBACRepository) DeleteRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	perms, ok := r.grants[roleID]
	if !ok {
		return false, nil
	}
	if _, ok := perms[permissionID]; !ok {
		return false, nil
	}
	delete(perms, permissionID)
	return true, nil
}

// GetEffectiveGrants resolves the subject's roles and permissions at now
func (r *RBACRepository) GetEffectiveGrants(ctx context.Context, subject repositories.SubjectKey, now time.Time) (*models.EffectiveGrants, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.resolve(subject, now), nil
}

// GetEffectiveGrantsBulk resolves several subjects under one read lock
func (r *RBACRepository) GetEffectiveGrantsBulk(ctx context.Context, subjects []repositories.SubjectKey, now time.Time) (map[repositories.SubjectKey]*models.EffectiveGrants, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[repositories.SubjectKey]*models.EffectiveGrants, len(subjects))
	for _, s := range subjects {
		if _, done := out[s]; !done {
			out[s] = r.resolve(s, now)
		}
	}
	return out, nil
}

func (r *RBACRepository) resolve(subject repositories.SubjectKey, now time.Time) *models.EffectiveGrants {
	roles := make(map[string]struct{})
	perms := make(map[string]struct{})

	for key, ur := range r.userRoles {
		if key.tenantID != subject.TenantID || key.userID != subject.UserID || !ur.Effective(now) {
			continue
		}
		role, ok := r.roles[key.roleID]
		if !ok || role.TenantID != subject.TenantID || !appliesTo(role.AppID, subject.AppID) {
			continue
		}
		roles[role.Name] = struct{}{}
		for permissionID := range r.grants[role.ID] {
			p, ok := r.permissions[permissionID]
			if ok && appliesTo(p.AppID, subject.AppID) {
				perms[p.Name] = struct{}{}
			}
		}
	}

	return &models.EffectiveGrants{Roles: sortedKeys(roles), Permissions: sortedKeys(perms)}
}

// appliesTo reports whether a record scoped to scope is visible from appID.
// A nil scope is tenant-wide.
func appliesTo(scope *string, appID string) bool {
	return scope == nil || *scope == appID
}

func sameApp(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
