package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/services/session"
	"go.uber.org/zap"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) state(args mock.Arguments) (*session.State, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.State), args.Error(1)
}

func (m *MockSessionService) SwitchActiveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*session.State, error) {
	return m.state(m.Called(ctx, sessionID, userID))
}

func (m *MockSessionService) RemoveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*session.State, error) {
	return m.state(m.Called(ctx, sessionID, userID))
}

func (m *MockSessionService) RemoveAll(ctx context.Context, sessionID uuid.UUID) (*session.State, error) {
	return m.state(m.Called(ctx, sessionID))
}

func (m *MockSessionService) AdminRevokeSession(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionService) ClearCookie() *http.Cookie {
	return &http.Cookie{Name: "__session", Value: "", Path: "/", MaxAge: -1}
}

func (m *MockSessionService) AdminRevokeUser(ctx context.Context, tenantID, userID string) (int, error) {
	args := m.Called(ctx, tenantID, userID)
	return args.Int(0), args.Error(1)
}

// twoAccountState returns a session with alice active and bob signed in
func twoAccountState() *session.State {
	now := time.Now().UTC()
	bs := models.NewBrowserSession(testTenant, "ua", "127.0.0.1", now)
	alice := &models.AccountSession{ID: uuid.New(), BrowserSessionID: bs.ID, UserID: "alice", IsActive: true, AuthenticatedAt: now, RefreshToken: "rt-alice"}
	bob := &models.AccountSession{ID: uuid.New(), BrowserSessionID: bs.ID, UserID: "bob", AuthenticatedAt: now}
	bs.ActiveUserID = &alice.UserID
	return &session.State{Session: bs, Accounts: []*models.AccountSession{alice, bob}, Active: alice}
}

func withSession(r *http.Request, state *session.State) *http.Request {
	return r.WithContext(middleware.WithSession(r.Context(), state))
}

func TestHandleGetSession(t *testing.T) {
	t.Run("returns accounts and active user", func(t *testing.T) {
		state := twoAccountState()

		w := httptest.NewRecorder()
		NewSessionHandler(new(MockSessionService), zap.NewNop()).
			HandleGetSession(w, withSession(newRequest(http.MethodGet, "/session", "", nil), state))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "rt-alice")

		var got SessionResponse
		decodeSuccess(t, w, &got)
		assert.Equal(t, state.Session.ID, got.SessionID)
		require.NotNil(t, got.ActiveUserID)
		assert.Equal(t, "alice", *got.ActiveUserID)
		assert.Len(t, got.Accounts, 2)
	})

	t.Run("anonymous session has an empty account list", func(t *testing.T) {
		bs := models.NewBrowserSession(testTenant, "ua", "127.0.0.1", time.Now())

		w := httptest.NewRecorder()
		NewSessionHandler(new(MockSessionService), zap.NewNop()).
			HandleGetSession(w, withSession(newRequest(http.MethodGet, "/session", "", nil), &session.State{Session: bs}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"accounts":[]`)
		assert.NotContains(t, w.Body.String(), "active_user_id")
	})

	t.Run("missing session middleware is an internal error", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewSessionHandler(new(MockSessionService), zap.NewNop()).
			HandleGetSession(w, newRequest(http.MethodGet, "/session", "", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleSwitchAccount(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		serviceErr     error
		callsService   bool
		expectedStatus int
		expectedCode   string
	}{
		{"switches", `{"user_id":"bob"}`, nil, true, http.StatusOK, ""},
		{"account not in session", `{"user_id":"bob"}`, services.ErrAccountNotFound, true, http.StatusNotFound, "account_not_found"},
		{"session gone", `{"user_id":"bob"}`, services.ErrSessionExpired, true, http.StatusUnauthorized, "session_expired"},
		{"concurrent edit", `{"user_id":"bob"}`, services.ErrSessionConflict, true, http.StatusConflict, "session_conflict"},
		{"missing user", `{}`, nil, false, http.StatusBadRequest, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := twoAccountState()
			svc := new(MockSessionService)
			if tt.callsService {
				if tt.serviceErr != nil {
					svc.On("SwitchActiveAccount", mock.Anything, state.Session.ID, "bob").Return(nil, tt.serviceErr)
				} else {
					next := twoAccountState()
					next.Session.ID = state.Session.ID
					next.Session.ActiveUserID = &next.Accounts[1].UserID
					next.Active = next.Accounts[1]
					svc.On("SwitchActiveAccount", mock.Anything, state.Session.ID, "bob").Return(next, nil)
				}
			}

			w := httptest.NewRecorder()
			req := withSession(newRequest(http.MethodPut, "/session/active", tt.body, nil), state)
			NewSessionHandler(svc, zap.NewNop()).HandleSwitchAccount(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, decodeErrorResponse(t, w).Error)
			} else {
				var got SessionResponse
				decodeSuccess(t, w, &got)
				require.NotNil(t, got.ActiveUserID)
				assert.Equal(t, "bob", *got.ActiveUserID)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestHandleRemoveAccount(t *testing.T) {
	state := twoAccountState()
	next := &session.State{Session: state.Session, Accounts: []*models.AccountSession{state.Accounts[0]}, Active: state.Accounts[0]}

	svc := new(MockSessionService)
	svc.On("RemoveAccount", mock.Anything, state.Session.ID, "bob").Return(next, nil)

	w := httptest.NewRecorder()
	req := withSession(newRequest(http.MethodDelete, "/session/accounts/bob", "", map[string]string{"userID": "bob"}), state)
	NewSessionHandler(svc, zap.NewNop()).HandleRemoveAccount(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got SessionResponse
	decodeSuccess(t, w, &got)
	assert.Len(t, got.Accounts, 1)
	svc.AssertExpectations(t)
}

func TestHandleSignOutAll(t *testing.T) {
	state := twoAccountState()
	anon := state.Session.Clone()
	anon.ActiveUserID = nil

	svc := new(MockSessionService)
	svc.On("RemoveAll", mock.Anything, state.Session.ID).Return(&session.State{Session: anon}, nil)

	w := httptest.NewRecorder()
	NewSessionHandler(svc, zap.NewNop()).HandleSignOutAll(w, withSession(newRequest(http.MethodPost, "/session/logout", "", nil), state))

	assert.Equal(t, http.StatusOK, w.Code)
	var got SessionResponse
	decodeSuccess(t, w, &got)
	assert.Equal(t, state.Session.ID, got.SessionID)
	assert.Nil(t, got.ActiveUserID)
	assert.Empty(t, got.Accounts)
}

func TestHandleRevokeSession(t *testing.T) {
	sessionID := uuid.New()

	tests := []struct {
		name           string
		param          string
		deleted        bool
		err            error
		callsService   bool
		expectedStatus int
	}{
		{"revoked", sessionID.String(), true, nil, true, http.StatusNoContent},
		{"unknown session", sessionID.String(), false, nil, true, http.StatusNotFound},
		{"store failure", sessionID.String(), false, services.WrapInternal("delete failed", errors.New("conn reset")), true, http.StatusInternalServerError},
		{"malformed id", "not-a-uuid", false, nil, false, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSessionService)
			if tt.callsService {
				svc.On("AdminRevokeSession", mock.Anything, sessionID).Return(tt.deleted, tt.err)
			}

			w := httptest.NewRecorder()
			req := newRequest(http.MethodDelete, "/admin/sessions/"+tt.param, "", map[string]string{"sessionID": tt.param})
			NewSessionHandler(svc, zap.NewNop()).HandleRevokeSession(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestHandleRevokeUser(t *testing.T) {
	svc := new(MockSessionService)
	svc.On("AdminRevokeUser", mock.Anything, testTenant, "alice").Return(3, nil)

	w := httptest.NewRecorder()
	req := newRequest(http.MethodDelete, "/admin/users/alice/sessions", "", map[string]string{"userID": "alice"})
	NewSessionHandler(svc, zap.NewNop()).HandleRevokeUser(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got RevokeUserResponse
	decodeSuccess(t, w, &got)
	assert.Equal(t, 3, got.Revoked)
	svc.AssertExpectations(t)
}

func TestHandleEndSession(t *testing.T) {
	state := twoAccountState()
	svc := new(MockSessionService)
	svc.On("AdminRevokeSession", mock.Anything, state.Session.ID).Return(true, nil)

	w := httptest.NewRecorder()
	NewSessionHandler(svc, zap.NewNop()).HandleEndSession(w, withSession(newRequest(http.MethodDelete, "/session", "", nil), state))

	assert.Equal(t, http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "__session", cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
	svc.AssertExpectations(t)
}
