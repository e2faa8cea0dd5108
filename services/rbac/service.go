// Package rbac evaluates role-based permissions and enriches tokens with
// role and permission claims.
//
// Decisions are cached per (user, tenant, app, permission) for the cache TTL.
// Assignment and grant changes do not evict cached entries, so a decision may
// lag the store by up to one TTL unless the caller invokes InvalidateUser or
// InvalidateTenant.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Subject identifies whose permissions are evaluated. An empty AppID sees
// tenant-wide roles and permissions only.
type Subject struct {
	UserID   string `json:"user_id" validate:"required"`
	TenantID string `json:"tenant_id" validate:"required"`
	AppID    string `json:"app_id"`
}

// Check is one permission question
type Check struct {
	UserID     string `json:"user_id" validate:"required"`
	TenantID   string `json:"tenant_id" validate:"required"`
	AppID      string `json:"app_id"`
	Permission string `json:"permission" validate:"required,ne=*"`
}

// Subject returns the subject the check is about
func (c Check) Subject() Subject {
	return Subject{UserID: c.UserID, TenantID: c.TenantID, AppID: c.AppID}
}

func (c Check) cacheKey() CacheKey {
	return CacheKey{UserID: c.UserID, TenantID: c.TenantID, AppID: c.AppID, Permission: c.Permission}
}

func (s Subject) cacheKey() CacheKey {
	return CacheKey{UserID: s.UserID, TenantID: s.TenantID, AppID: s.AppID, Permission: AllPermissions}
}

func (s Subject) repoKey() repositories.SubjectKey {
	return repositories.SubjectKey{UserID: s.UserID, TenantID: s.TenantID, AppID: s.AppID}
}

// AssignRoleInput assigns a role to a user
type AssignRoleInput struct {
	TenantID   string     `json:"tenant_id" validate:"required"`
	UserID     string     `json:"user_id" validate:"required"`
	RoleID     uuid.UUID  `json:"role_id" validate:"required"`
	AssignedBy string     `json:"assigned_by" validate:"required"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// GrantPermissionInput grants a permission to a role
type GrantPermissionInput struct {
	TenantID     string    `json:"tenant_id" validate:"required"`
	RoleID       uuid.UUID `json:"role_id" validate:"required"`
	PermissionID uuid.UUID `json:"permission_id" validate:"required"`
	GrantedBy    string    `json:"granted_by" validate:"required"`
}

// CreateRoleInput defines a new role
type CreateRoleInput struct {
	TenantID     string  `json:"tenant_id" validate:"required"`
	AppID        *string `json:"app_id,omitempty"`
	Name         string  `json:"name" validate:"required,max=100"`
	Description  string  `json:"description" validate:"max=500"`
	IsSystemRole bool    `json:"is_system_role"`
}

// CreatePermissionInput defines a new permission
type CreatePermissionInput struct {
	TenantID    string  `json:"tenant_id" validate:"required"`
	AppID       *string `json:"app_id,omitempty"`
	Name        string  `json:"name" validate:"required,max=100"`
	Description string  `json:"description" validate:"max=500"`
}

// Service evaluates and manages role-based permissions
type Service struct {
	repo  repositories.RBACRepository
	cache *PermissionCache

	// decisions and grants are separate so a decision call never joins a grant-set load
	decisions singleflight.Group
	grants    singleflight.Group

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates an RBAC Service. logger and metrics may be nil.
func NewService(repo repositories.RBACRepository, cache *PermissionCache, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		repo:    repo,
		cache:   cache,
		logger:  observability.OrNop(logger),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time used to judge assignment expiry
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckPermission reports whether the user holds the permission in the tenant and app
func (s *Service) CheckPermission(ctx context.Context, check Check) (bool, error) {
	if err := utils.ValidateStruct(check); err != nil {
		return false, services.InvalidInputFrom(err)
	}

	if allowed, ok := s.cachedDecision(check); ok {
		s.metrics.RecordPermissionCache(true)
		return allowed, nil
	}
	s.metrics.RecordPermissionCache(false)

	key := check.cacheKey()
	v, err, _ := s.decisions.Do(key.String(), func() (interface{}, error) {
		grants, err := s.loadGrants(ctx, check.Subject())
		if err != nil {
			return false, err
		}
		allowed := grants.Has(check.Permission)
		s.cache.SetDecision(key, allowed)
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// CheckPermissions answers several checks. Uncached subjects are resolved in a
// single repository call.
func (s *Service) CheckPermissions(ctx context.Context, checks []Check) (map[Check]bool, error) {
	results := make(map[Check]bool, len(checks))
	pending := make(map[Subject][]Check)
	subjects := make([]repositories.SubjectKey, 0)

	for _, check := range checks {
		if err := utils.ValidateStruct(check); err != nil {
			return nil, services.InvalidInputFrom(err)
		}
		if allowed, ok := s.cachedDecision(check); ok {
			s.metrics.RecordPermissionCache(true)
			results[check] = allowed
			continue
		}
		s.metrics.RecordPermissionCache(false)

		subject := check.Subject()
		if _, seen := pending[subject]; !seen {
			subjects = append(subjects, subject.repoKey())
		}
		pending[subject] = append(pending[subject], check)
	}

	if len(subjects) == 0 {
		return results, nil
	}

	resolved, err := s.repo.GetEffectiveGrantsBulk(ctx, subjects, s.now())
	if err != nil {
		return nil, services.WrapInternal("failed to resolve permissions", err)
	}

	for subject, subjectChecks := range pending {
		grants := resolved[subject.repoKey()]
		if grants == nil {
			grants = &models.EffectiveGrants{Roles: []string{}, Permissions: []string{}}
		}
		s.cache.SetGrants(subject.cacheKey(), grants)
		for _, check := range subjectChecks {
			allowed := grants.Has(check.Permission)
			s.cache.SetDecision(check.cacheKey(), allowed)
			results[check] = allowed
		}
	}
	return results, nil
}

// EnrichTokenWithRBAC returns the subject's sorted role and permission names
func (s *Service) EnrichTokenWithRBAC(ctx context.Context, subject Subject) (*Claims, error) {
	if err := utils.ValidateStruct(subject); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	grants := s.cache.GetGrants(subject.cacheKey())
	s.metrics.RecordPermissionCache(grants != nil)
	if grants == nil {
		var err error
		if grants, err = s.loadGrants(ctx, subject); err != nil {
			return nil, err
		}
	}

	return &Claims{
		Roles:       sortedCopy(grants.Roles),
		Permissions: sortedCopy(grants.Permissions),
	}, nil
}

// cachedDecision answers from the decision entry, falling back to a cached grant set
func (s *Service) cachedDecision(check Check) (bool, bool) {
	key := check.cacheKey()
	if allowed, ok := s.cache.GetDecision(key); ok {
		return allowed, true
	}
	if grants := s.cache.GetGrants(key); grants != nil {
		allowed := grants.Has(check.Permission)
		s.cache.SetDecision(key, allowed)
		return allowed, true
	}
	return false, false
}

// loadGrants reads the subject's grants once per concurrent burst and caches them
func (s *Service) loadGrants(ctx context.Context, subject Subject) (*models.EffectiveGrants, error) {
	key := subject.cacheKey()
	v, err, _ := s.grants.Do(key.String(), func() (interface{}, error) {
		grants, err := s.repo.GetEffectiveGrants(ctx, subject.repoKey(), s.now())
		if err != nil {
			return nil, services.WrapInternal("failed to resolve permissions", err)
		}
		if grants == nil {
			grants = &models.EffectiveGrants{Roles: []string{}, Permissions: []string{}}
		}
		s.cache.SetGrants(key, grants)
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.EffectiveGrants), nil
}

// AssignRoleToUser assigns a role. An expired assignment of the same role is replaced.
func (s *Service) AssignRoleToUser(ctx context.Context, input AssignRoleInput) (*models.UserRole, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	role, err := s.repo.GetRole(ctx, input.TenantID, input.RoleID)
	if err != nil {
		return nil, services.WrapInternal("failed to load role", err)
	}
	if role == nil {
		return nil, services.ErrRoleNotFound.WithDetail("role_id", input.RoleID.String())
	}

	now := s.now()
	existing, err := s.repo.GetUserRole(ctx, input.TenantID, input.UserID, input.RoleID)
	if err != nil {
		return nil, services.WrapInternal("failed to load role assignment", err)
	}
	if existing != nil {
		if existing.Effective(now) {
			return nil, services.ErrRoleAlreadyAssigned.WithDetail("role_id", input.RoleID.String())
		}
		if _, err := s.repo.DeleteUserRole(ctx, input.TenantID, input.UserID, input.RoleID); err != nil {
			return nil, services.WrapInternal("failed to replace expired assignment", err)
		}
	}

	userRole := &models.UserRole{
		TenantID:   input.TenantID,
		UserID:     input.UserID,
		RoleID:     input.RoleID,
		AssignedAt: now,
		AssignedBy: input.AssignedBy,
		ExpiresAt:  input.ExpiresAt,
	}
	if err := s.repo.CreateUserRole(ctx, userRole); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrRoleAlreadyAssigned.WithDetail("role_id", input.RoleID.String())
		}
		return nil, services.WrapInternal("failed to assign role", err)
	}

	s.logger.Info("role assigned",
		zap.String("tenant_id", input.TenantID),
		zap.String("user_id", input.UserID),
		zap.String("role", role.Name),
		zap.String("assigned_by", input.AssignedBy))
	return userRole, nil
}

// RemoveRoleFromUser removes an assignment. A role the user does not hold is reported
// as ErrRoleNotFound.
func (s *Service) RemoveRoleFromUser(ctx context.Context, tenantID, userID string, roleID uuid.UUID, removedBy string) error {
	deleted, err := s.repo.DeleteUserRole(ctx, tenantID, userID, roleID)
	if err != nil {
		return services.WrapInternal("failed to remove role", err)
	}
	if !deleted {
		return services.ErrRoleNotFound.WithDetail("role_id", roleID.String())
	}

	s.logger.Info("role removed",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.String("role_id", roleID.String()),
		zap.String("removed_by", removedBy))
	return nil
}

// AssignPermissionToRole grants a permission to a role
func (s *Service) AssignPermissionToRole(ctx context.Context, input GrantPermissionInput) (*models.RolePermission, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	role, err := s.mutableRole(ctx, input.TenantID, input.RoleID)
	if err != nil {
		return nil, err
	}

	permission, err := s.repo.GetPermission(ctx, input.TenantID, input.PermissionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load permission", err)
	}
	if permission == nil {
		return nil, services.ErrPermissionNotFound.WithDetail("permission_id", input.PermissionID.String())
	}
	if role.AppID != nil && permission.AppID != nil && *role.AppID != *permission.AppID {
		return nil, services.ErrInvalidInput.WithDetail("permission_id", "permission belongs to a different app than the role")
	}

	grant := &models.RolePermission{
		RoleID:       input.RoleID,
		PermissionID: input.PermissionID,
		GrantedAt:    s.now(),
		GrantedBy:    input.GrantedBy,
	}
	if err := s.repo.CreateRolePermission(ctx, grant); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrPermissionAlreadyGranted.WithDetail("permission_id", input.PermissionID.String())
		}
		return nil, services.WrapInternal("failed to grant permission", err)
	}

	s.logger.Info("permission granted",
		zap.String("tenant_id", input.TenantID),
		zap.String("role", role.Name),
		zap.String("permission", permission.Name),
		zap.String("granted_by", input.GrantedBy))
	return grant, nil
}

// RemovePermissionFromRole revokes a grant
func (s *Service) RemovePermissionFromRole(ctx context.Context, tenantID string, roleID, permissionID uuid.UUID, removedBy string) error {
	role, err := s.mutableRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}

	deleted, err := s.repo.DeleteRolePermission(ctx, roleID, permissionID)
	if err != nil {
		return services.WrapInternal("failed to revoke permission", err)
	}
	if !deleted {
		return services.ErrPermissionNotFound.WithDetail("permission_id", permissionID.String())
	}

	s.logger.Info("permission revoked",
		zap.String("tenant_id", tenantID),
		zap.String("role", role.Name),
		zap.String("permission_id", permissionID.String()),
		zap.String("removed_by", removedBy))
	return nil
}

func (s *Service) mutableRole(ctx context.Context, tenantID string, roleID uuid.UUID) (*models.Role, error) {
	role, err := s.repo.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, services.WrapInternal("failed to load role", err)
	}
	if role == nil {
		return nil, services.ErrRoleNotFound.WithDetail("role_id", roleID.String())
	}
	if role.IsSystemRole {
		return nil, services.ErrSystemRoleImmutable.WithDetail("role", role.Name)
	}
	return role, nil
}

// CreateRole defines a role
func (s *Service) CreateRole(ctx context.Context, input CreateRoleInput) (*models.Role, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	role := models.NewRole(input.TenantID, input.AppID, input.Name, input.Description)
	role.IsSystemRole = input.IsSystemRole
	now := s.now()
	role.CreatedAt, role.UpdatedAt = now, now

	if err := s.repo.CreateRole(ctx, role); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrRoleAlreadyExists.WithDetail("name", input.Name)
		}
		return nil, services.WrapInternal("failed to create role", err)
	}
	return role, nil
}

// CreatePermission defines a permission
func (s *Service) CreatePermission(ctx context.Context, input CreatePermissionInput) (*models.Permission, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	permission := models.NewPermission(input.TenantID, input.AppID, input.Name, input.Description)
	permission.CreatedAt = s.now()

	if err := s.repo.CreatePermission(ctx, permission); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrPermissionAlreadyExists.WithDetail("name", input.Name)
		}
		return nil, services.WrapInternal("failed to create permission", err)
	}
	return permission, nil
}

// ListUserRoles returns the user's assignments that are effective now
func (s *Service) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error) {
	all, err := s.repo.ListUserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, services.WrapInternal(fmt.Sprintf("failed to list roles of user %s", userID), err)
	}

	now := s.now()
	out := make([]*models.UserRole, 0, len(all))
	for _, ur := range all {
		if ur.Effective(now) {
			out = append(out, ur)
		}
	}
	return out, nil
}

// InvalidateUser drops every cached decision of the user in the tenant
func (s *Service) InvalidateUser(tenantID, userID string) int {
	n := s.cache.InvalidateUser(tenantID, userID)
	s.logger.Debug("permission cache invalidated",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Int("entries", n))
	return n
}

// InvalidateTenant drops every cached decision in the tenant, for bulk role changes
func (s *Service) InvalidateTenant(tenantID string) int {
	n := s.cache.InvalidateTenant(tenantID)
	s.logger.Info("tenant permission cache invalidated",
		zap.String("tenant_id", tenantID),
		zap.Int("entries", n))
	return n
}

// CacheStats returns permission cache statistics
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out
}
