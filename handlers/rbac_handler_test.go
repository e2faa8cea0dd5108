package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/services/rbac"
	"go.uber.org/zap"
)

type MockRBACService struct {
	mock.Mock
}

func (m *MockRBACService) CheckPermission(ctx context.Context, check rbac.Check) (bool, error) {
	args := m.Called(ctx, check)
	return args.Bool(0), args.Error(1)
}

func (m *MockRBACService) CheckPermissions(ctx context.Context, checks []rbac.Check) (map[rbac.Check]bool, error) {
	args := m.Called(ctx, checks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[rbac.Check]bool), args.Error(1)
}

func (m *MockRBACService) EnrichTokenWithRBAC(ctx context.Context, subject rbac.Subject) (*rbac.Claims, error) {
	args := m.Called(ctx, subject)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rbac.Claims), args.Error(1)
}

func (m *MockRBACService) AssignRoleToUser(ctx context.Context, input rbac.AssignRoleInput) (*models.UserRole, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserRole), args.Error(1)
}

func (m *MockRBACService) RemoveRoleFromUser(ctx context.Context, tenantID, userID string, roleID uuid.UUID, removedBy string) error {
	return m.Called(ctx, tenantID, userID, roleID, removedBy).Error(0)
}

func (m *MockRBACService) AssignPermissionToRole(ctx context.Context, input rbac.GrantPermissionInput) (*models.RolePermission, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RolePermission), args.Error(1)
}

func (m *MockRBACService) RemovePermissionFromRole(ctx context.Context, tenantID string, roleID, permissionID uuid.UUID, removedBy string) error {
	return m.Called(ctx, tenantID, roleID, permissionID, removedBy).Error(0)
}

func (m *MockRBACService) CreateRole(ctx context.Context, input rbac.CreateRoleInput) (*models.Role, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Role), args.Error(1)
}

func (m *MockRBACService) CreatePermission(ctx context.Context, input rbac.CreatePermissionInput) (*models.Permission, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Permission), args.Error(1)
}

func (m *MockRBACService) ListUserRoles(ctx context.Context, tenantID, userID string) ([]*models.UserRole, error) {
	args := m.Called(ctx, tenantID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.UserRole), args.Error(1)
}

func (m *MockRBACService) InvalidateUser(tenantID, userID string) int {
	return m.Called(tenantID, userID).Int(0)
}

func (m *MockRBACService) InvalidateTenant(tenantID string) int {
	return m.Called(tenantID).Int(0)
}

// asAdmin marks the request as made by the "ops" admin client
func asAdmin(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithClient(r.Context(), &models.OAuthClient{ClientID: "ops", TenantID: testTenant}))
}

func TestHandleCreateRole(t *testing.T) {
	t.Run("created in caller tenant", func(t *testing.T) {
		svc := new(MockRBACService)
		role := &models.Role{ID: uuid.New(), TenantID: testTenant, Name: "editor"}
		svc.On("CreateRole", mock.Anything, rbac.CreateRoleInput{TenantID: testTenant, Name: "editor", Description: "edits"}).Return(role, nil)

		w := httptest.NewRecorder()
		NewRBACHandler(svc, zap.NewNop()).HandleCreateRole(w,
			newRequest(http.MethodPost, "/admin/roles", `{"name":"editor","description":"edits"}`, nil))

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("duplicate name", func(t *testing.T) {
		svc := new(MockRBACService)
		svc.On("CreateRole", mock.Anything, mock.Anything).Return(nil, services.ErrRoleAlreadyExists)

		w := httptest.NewRecorder()
		NewRBACHandler(svc, zap.NewNop()).HandleCreateRole(w,
			newRequest(http.MethodPost, "/admin/roles", `{"name":"editor"}`, nil))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "role_already_exists", decodeErrorResponse(t, w).Error)
	})
}

func TestHandleCreatePermission(t *testing.T) {
	svc := new(MockRBACService)
	appID := "billing"
	perm := &models.Permission{ID: uuid.New(), TenantID: testTenant, AppID: &appID, Name: "invoices:read"}
	svc.On("CreatePermission", mock.Anything, mock.MatchedBy(func(in rbac.CreatePermissionInput) bool {
		return in.TenantID == testTenant && in.AppID != nil && *in.AppID == "billing" && in.Name == "invoices:read"
	})).Return(perm, nil)

	w := httptest.NewRecorder()
	NewRBACHandler(svc, zap.NewNop()).HandleCreatePermission(w,
		newRequest(http.MethodPost, "/admin/permissions", `{"app_id":"billing","name":"invoices:read"}`, nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleGrantPermission(t *testing.T) {
	roleID, permID := uuid.New(), uuid.New()
	body := fmt.Sprintf(`{"permission_id":%q}`, permID)

	tests := []struct {
		name           string
		roleParam      string
		err            error
		callsService   bool
		expectedStatus int
	}{
		{"granted", roleID.String(), nil, true, http.StatusCreated},
		{"already granted", roleID.String(), services.ErrPermissionAlreadyGranted, true, http.StatusConflict},
		{"system role", roleID.String(), services.ErrSystemRoleImmutable, true, http.StatusForbidden},
		{"unknown role", roleID.String(), services.ErrRoleNotFound, true, http.StatusNotFound},
		{"malformed role id", "editor", nil, false, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockRBACService)
			if tt.callsService {
				input := rbac.GrantPermissionInput{TenantID: testTenant, RoleID: roleID, PermissionID: permID, GrantedBy: "ops"}
				if tt.err != nil {
					svc.On("AssignPermissionToRole", mock.Anything, input).Return(nil, tt.err)
				} else {
					svc.On("AssignPermissionToRole", mock.Anything, input).Return(&models.RolePermission{RoleID: roleID, PermissionID: permID}, nil)
				}
			}

			w := httptest.NewRecorder()
			req := asAdmin(newRequest(http.MethodPost, "/admin/roles/"+tt.roleParam+"/permissions", body, map[string]string{"roleID": tt.roleParam}))
			NewRBACHandler(svc, zap.NewNop()).HandleGrantPermission(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestHandleRevokePermission(t *testing.T) {
	roleID, permID := uuid.New(), uuid.New()
	svc := new(MockRBACService)
	svc.On("RemovePermissionFromRole", mock.Anything, testTenant, roleID, permID, "ops").Return(nil)

	w := httptest.NewRecorder()
	req := asAdmin(newRequest(http.MethodDelete, "/admin/roles/x/permissions/y", "",
		map[string]string{"roleID": roleID.String(), "permissionID": permID.String()}))
	NewRBACHandler(svc, zap.NewNop()).HandleRevokePermission(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleAssignRole(t *testing.T) {
	roleID := uuid.New()

	t.Run("assigned by the admin client", func(t *testing.T) {
		svc := new(MockRBACService)
		svc.On("AssignRoleToUser", mock.Anything, mock.MatchedBy(func(in rbac.AssignRoleInput) bool {
			return in.TenantID == testTenant && in.UserID == "alice" && in.RoleID == roleID &&
				in.AssignedBy == "ops" && in.ExpiresAt != nil
		})).Return(&models.UserRole{UserID: "alice", RoleID: roleID}, nil)

		w := httptest.NewRecorder()
		body := fmt.Sprintf(`{"role_id":%q,"expires_at":"2030-01-01T00:00:00Z"}`, roleID)
		req := asAdmin(newRequest(http.MethodPost, "/admin/users/alice/roles", body, map[string]string{"userID": "alice"}))
		NewRBACHandler(svc, zap.NewNop()).HandleAssignRole(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("already assigned", func(t *testing.T) {
		svc := new(MockRBACService)
		svc.On("AssignRoleToUser", mock.Anything, mock.Anything).Return(nil, services.ErrRoleAlreadyAssigned)

		w := httptest.NewRecorder()
		req := asAdmin(newRequest(http.MethodPost, "/admin/users/alice/roles",
			fmt.Sprintf(`{"role_id":%q}`, roleID), map[string]string{"userID": "alice"}))
		NewRBACHandler(svc, zap.NewNop()).HandleAssignRole(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "role_already_assigned", decodeErrorResponse(t, w).Error)
	})
}

func TestHandleRemoveRole(t *testing.T) {
	roleID := uuid.New()
	svc := new(MockRBACService)
	svc.On("RemoveRoleFromUser", mock.Anything, testTenant, "alice", roleID, "unknown").Return(services.ErrRoleNotFound)

	w := httptest.NewRecorder()
	req := newRequest(http.MethodDelete, "/admin/users/alice/roles/"+roleID.String(), "",
		map[string]string{"userID": "alice", "roleID": roleID.String()})
	NewRBACHandler(svc, zap.NewNop()).HandleRemoveRole(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleListUserRoles(t *testing.T) {
	svc := new(MockRBACService)
	svc.On("ListUserRoles", mock.Anything, testTenant, "alice").Return([]*models.UserRole{{UserID: "alice", RoleID: uuid.New()}}, nil)

	w := httptest.NewRecorder()
	NewRBACHandler(svc, zap.NewNop()).HandleListUserRoles(w,
		newRequest(http.MethodGet, "/admin/users/alice/roles", "", map[string]string{"userID": "alice"}))

	assert.Equal(t, http.StatusOK, w.Code)
	var got []map[string]interface{}
	decodeSuccess(t, w, &got)
	assert.Len(t, got, 1)
}

func TestHandleGetClaims(t *testing.T) {
	svc := new(MockRBACService)
	svc.On("EnrichTokenWithRBAC", mock.Anything, rbac.Subject{UserID: "alice", TenantID: testTenant, AppID: "billing"}).
		Return(&rbac.Claims{Roles: []string{"reader"}, Permissions: []string{"invoices:read"}}, nil)

	w := httptest.NewRecorder()
	NewRBACHandler(svc, zap.NewNop()).HandleGetClaims(w,
		newRequest(http.MethodGet, "/admin/users/alice/claims?app_id=billing", "", map[string]string{"userID": "alice"}))

	assert.Equal(t, http.StatusOK, w.Code)
	var got rbac.Claims
	decodeSuccess(t, w, &got)
	assert.Equal(t, []string{"reader"}, got.Roles)
	assert.Equal(t, []string{"invoices:read"}, got.Permissions)
	svc.AssertExpectations(t)
}

func TestHandleInvalidateUser(t *testing.T) {
	svc := new(MockRBACService)
	svc.On("InvalidateUser", testTenant, "alice").Return(4)

	w := httptest.NewRecorder()
	NewRBACHandler(svc, zap.NewNop()).HandleInvalidateUser(w,
		newRequest(http.MethodDelete, "/admin/users/alice/permission-cache", "", map[string]string{"userID": "alice"}))

	assert.Equal(t, http.StatusNoContent, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleInvalidateTenant(t *testing.T) {
	svc := new(MockRBACService)
	svc.On("InvalidateTenant", testTenant).Return(12)

	w := httptest.NewRecorder()
	NewRBACHandler(svc, zap.NewNop()).HandleInvalidateTenant(w,
		newRequest(http.MethodDelete, "/admin/permission-cache", "", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleCheckPermissions(t *testing.T) {
	t.Run("single check", func(t *testing.T) {
		svc := new(MockRBACService)
		check := rbac.Check{UserID: "alice", TenantID: testTenant, AppID: "billing", Permission: "invoices:read"}
		svc.On("CheckPermission", mock.Anything, check).Return(true, nil)

		w := httptest.NewRecorder()
		body := `{"checks":[{"user_id":"alice","app_id":"billing","permission":"invoices:read"}]}`
		NewRBACHandler(svc, zap.NewNop()).HandleCheckPermissions(w, newRequest(http.MethodPost, "/admin/permissions/check", body, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var got []PermissionCheckResult
		decodeSuccess(t, w, &got)
		require.Len(t, got, 1)
		assert.True(t, got[0].Allowed)
		svc.AssertNotCalled(t, "CheckPermissions", mock.Anything, mock.Anything)
	})

	t.Run("bulk keeps request order", func(t *testing.T) {
		svc := new(MockRBACService)
		read := rbac.Check{UserID: "alice", TenantID: testTenant, Permission: "invoices:read"}
		write := rbac.Check{UserID: "bob", TenantID: testTenant, Permission: "invoices:write"}
		svc.On("CheckPermissions", mock.Anything, []rbac.Check{read, write}).
			Return(map[rbac.Check]bool{read: true, write: false}, nil)

		w := httptest.NewRecorder()
		body := `{"checks":[{"user_id":"alice","permission":"invoices:read"},{"user_id":"bob","permission":"invoices:write"}]}`
		NewRBACHandler(svc, zap.NewNop()).HandleCheckPermissions(w, newRequest(http.MethodPost, "/admin/permissions/check", body, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var got []PermissionCheckResult
		decodeSuccess(t, w, &got)
		require.Len(t, got, 2)
		assert.Equal(t, "alice", got[0].UserID)
		assert.True(t, got[0].Allowed)
		assert.Equal(t, "bob", got[1].UserID)
		assert.False(t, got[1].Allowed)
	})

	t.Run("wildcard is rejected by the service", func(t *testing.T) {
		svc := new(MockRBACService)
		svc.On("CheckPermission", mock.Anything, mock.Anything).Return(false, services.ErrInvalidInput.WithDetail("Permission", "Permission must not be \"*\""))

		w := httptest.NewRecorder()
		body := `{"checks":[{"user_id":"alice","permission":"*"}]}`
		NewRBACHandler(svc, zap.NewNop()).HandleCheckPermissions(w, newRequest(http.MethodPost, "/admin/permissions/check", body, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty and oversized requests", func(t *testing.T) {
		svc := new(MockRBACService)
		handler := NewRBACHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleCheckPermissions(w, newRequest(http.MethodPost, "/admin/permissions/check", `{"checks":[]}`, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		items := make([]string, maxBulkChecks+1)
		for i := range items {
			items[i] = fmt.Sprintf(`{"user_id":"u%d","permission":"p"}`, i)
		}
		w = httptest.NewRecorder()
		handler.HandleCheckPermissions(w, newRequest(http.MethodPost, "/admin/permissions/check",
			`{"checks":[`+strings.Join(items, ",")+`]}`, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		svc.AssertNotCalled(t, "CheckPermission", mock.Anything, mock.Anything)
		svc.AssertNotCalled(t, "CheckPermissions", mock.Anything, mock.Anything)
	})
}
