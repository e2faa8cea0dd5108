package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/services/rbac"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// maxBulkChecks bounds one bulk permission request
const maxBulkChecks = 100

// RBACService defines the role and permission operations exposed over HTTP
type RBACService interface {
	CheckPermission(ctx context.Context, check rbac.Check) (bool, error)
	CheckPermissions(ctx context.Context, checks []rbac.Check) (map[rbac.Check]bool, error)
	EnrichTokenWithRBAC(ctx context.Context, subject rbac.Subject) (*rbac.Claims, error)
	AssignRoleToUser(ctx context.Context, input rbac.AssignRoleInput) (*models.UserRole, error)
	RemoveRoleFromUser(ctx context.Context, tenantID, userID string, roleID uuid.UUID, removedBy string) error
	AssignPermissionToRole(ctx context.Context, input rbac.GrantPermissionInput) (*models.RolePermission, error)
	RemovePermissionFromRole(ctx context.Context, tenantID string, roleID, permissionID uuid.UUID, removedBy string) error
	CreateRole(ctx context.Context, input rbac.CreateRoleInput) (*models.Role, error)
	CreatePermission(ctx context.Context, input rbac.CreatePermissionInput) (*models.Permission, error)
	ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error)
	InvalidateUser(tenantID, userID string) int
	InvalidateTenant(tenantID string) int
}

// CreateRoleRequest defines a role in the caller's tenant
type CreateRoleRequest struct {
	AppID        *string `json:"app_id,omitempty" validate:"omitempty,max=255"`
	Name         string  `json:"name" validate:"required,max=100"`
	Description  string  `json:"description" validate:"max=500"`
	IsSystemRole bool    `json:"is_system_role"`
}

// CreatePermissionRequest defines a permission in the caller's tenant
type CreatePermissionRequest struct {
	AppID       *string `json:"app_id,omitempty" validate:"omitempty,max=255"`
	Name        string  `json:"name" validate:"required,max=100"`
	Description string  `json:"description" validate:"max=500"`
}

// AssignRoleRequest assigns a role to the user in the path
type AssignRoleRequest struct {
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantPermissionRequest grants a permission to the role in the path
type GrantPermissionRequest struct {
	PermissionID uuid.UUID `json:"permission_id" validate:"required"`
}

// PermissionCheck is one question in a check request
type PermissionCheck struct {
	UserID     string `json:"user_id" validate:"required"`
	AppID      string `json:"app_id"`
	Permission string `json:"permission" validate:"required"`
}

// CheckPermissionsRequest asks several permission questions at once
type CheckPermissionsRequest struct {
	Checks []PermissionCheck `json:"checks" validate:"required,min=1,dive"`
}

// PermissionCheckResult answers one PermissionCheck
type PermissionCheckResult struct {
	PermissionCheck
	Allowed bool `json:"allowed"`
}

// RBACHandler handles role and permission administration
type RBACHandler struct {
	rbac   RBACService
	logger *zap.Logger
}

// NewRBACHandler creates a new RBACHandler
func NewRBACHandler(rbac RBACService, logger *zap.Logger) *RBACHandler {
	return &RBACHandler{
		rbac:   rbac,
		logger: logger,
	}
}

// actor names the admin client performing a change
func actor(ctx context.Context) string {
	if client := middleware.GetClientFromContext(ctx); client != nil {
		return client.ClientID
	}
	return "unknown"
}

// HandleCreateRole handles POST /admin/roles
func (h *RBACHandler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRoleRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	role, err := h.rbac.CreateRole(ctx, rbac.CreateRoleInput{
		TenantID:     middleware.GetTenantIDFromContext(ctx),
		AppID:        req.AppID,
		Name:         req.Name,
		Description:  req.Description,
		IsSystemRole: req.IsSystemRole,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, role)
}

// HandleCreatePermission handles POST /admin/permissions
func (h *RBACHandler) HandleCreatePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePermissionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	permission, err := h.rbac.CreatePermission(ctx, rbac.CreatePermissionInput{
		TenantID:    middleware.GetTenantIDFromContext(ctx),
		AppID:       req.AppID,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, permission)
}

// HandleGrantPermission handles POST /admin/roles/{roleID}/permissions
func (h *RBACHandler) HandleGrantPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roleID, err := utils.ParseUUID(chi.URLParam(r, "roleID"), "role_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req GrantPermissionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	grant, err := h.rbac.AssignPermissionToRole(ctx, rbac.GrantPermissionInput{
		TenantID:     middleware.GetTenantIDFromContext(ctx),
		RoleID:       roleID,
		PermissionID: req.PermissionID,
		GrantedBy:    actor(ctx),
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, grant)
}

// HandleRevokePermission handles DELETE /admin/roles/{roleID}/permissions/{permissionID}
func (h *RBACHandler) HandleRevokePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roleID, err := utils.ParseUUID(chi.URLParam(r, "roleID"), "role_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	permissionID, err := utils.ParseUUID(chi.URLParam(r, "permissionID"), "permission_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.rbac.RemovePermissionFromRole(ctx, middleware.GetTenantIDFromContext(ctx), roleID, permissionID, actor(ctx)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleAssignRole handles POST /admin/users/{userID}/roles
func (h *RBACHandler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignRoleRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	userRole, err := h.rbac.AssignRoleToUser(ctx, rbac.AssignRoleInput{
		TenantID:   middleware.GetTenantIDFromContext(ctx),
		UserID:     chi.URLParam(r, "userID"),
		RoleID:     req.RoleID,
		AssignedBy: actor(ctx),
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, userRole)
}

// HandleRemoveRole handles DELETE /admin/users/{userID}/roles/{roleID}
func (h *RBACHandler) HandleRemoveRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roleID, err := utils.ParseUUID(chi.URLParam(r, "roleID"), "role_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	tenantID := middleware.GetTenantIDFromContext(ctx)
	if err := h.rbac.RemoveRoleFromUser(ctx, tenantID, chi.URLParam(r, "userID"), roleID, actor(ctx)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleListUserRoles handles GET /admin/users/{userID}/roles
func (h *RBACHandler) HandleListUserRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roles, err := h.rbac.ListUserRoles(ctx, middleware.GetTenantIDFromContext(ctx), chi.URLParam(r, "userID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, roles)
}

// HandleGetClaims handles GET /admin/users/{userID}/claims?app_id=
func (h *RBACHandler) HandleGetClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.rbac.EnrichTokenWithRBAC(ctx, rbac.Subject{
		UserID:   chi.URLParam(r, "userID"),
		TenantID: middleware.GetTenantIDFromContext(ctx),
		AppID:    r.URL.Query().Get("app_id"),
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, claims)
}

// HandleInvalidateUser handles DELETE /admin/users/{userID}/permission-cache
func (h *RBACHandler) HandleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.rbac.InvalidateUser(middleware.GetTenantIDFromContext(ctx), chi.URLParam(r, "userID"))
	utils.WriteNoContent(w)
}

// HandleCheckPermissions handles POST /admin/permissions/check
func (h *RBACHandler) HandleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)

	var req CheckPermissionsRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	if len(req.Checks) > maxBulkChecks {
		_ = utils.WriteBadRequest(w, "Too many checks in one request", map[string]interface{}{"max": maxBulkChecks})
		return
	}

	checks := make([]rbac.Check, len(req.Checks))
	for i, c := range req.Checks {
		checks[i] = rbac.Check{UserID: c.UserID, TenantID: tenantID, AppID: c.AppID, Permission: c.Permission}
	}

	results := make([]PermissionCheckResult, len(checks))
	if len(checks) == 1 {
		allowed, err := h.rbac.CheckPermission(ctx, checks[0])
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		results[0] = PermissionCheckResult{PermissionCheck: req.Checks[0], Allowed: allowed}
		_ = utils.WriteOK(w, results)
		return
	}

	decisions, err := h.rbac.CheckPermissions(ctx, checks)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	for i, c := range checks {
		results[i] = PermissionCheckResult{PermissionCheck: req.Checks[i], Allowed: decisions[c]}
	}
	_ = utils.WriteOK(w, results)
}

// HandleInvalidateTenant handles DELETE /admin/permission-cache
func (h *RBACHandler) HandleInvalidateTenant(w http.ResponseWriter, r *http.Request) {
	h.rbac.InvalidateTenant(middleware.GetTenantIDFromContext(r.Context()))
	utils.WriteNoContent(w)
}
