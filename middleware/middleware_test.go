package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories/memory"
	"github.com/upb/oauth-issuer/services/session"
	"go.uber.org/zap"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// MockSessionResolver is a mock implementation of SessionResolver
type MockSessionResolver struct {
	mock.Mock
}

func (m *MockSessionResolver) ResolveOrCreate(ctx context.Context, tenantID, cookieValue, userAgent, ipAddress string) (*session.State, string, error) {
	args := m.Called(ctx, tenantID, cookieValue, userAgent, ipAddress)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).(*session.State), args.String(1), args.Error(2)
}

func (m *MockSessionResolver) Touch(ctx context.Context, sessionID uuid.UUID) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockSessionResolver) Cookie(value string) *http.Cookie {
	return &http.Cookie{Name: "__session", Value: value}
}

func (m *MockSessionResolver) CookieName() string {
	return "__session"
}

func newSessionService(t *testing.T) *session.Service {
	t.Helper()
	codec, err := session.NewCookieCodec(testSecret)
	require.NoError(t, err)
	cfg := session.Config{SlidingWindow: 24 * time.Hour, Lifetime: 720 * time.Hour, MaxAccounts: 3}
	return session.NewService(memory.NewSessionRepository(), codec, memory.NewKVStore(), cfg, nil, nil)
}

func newRouter(sessions SessionResolver, handler http.HandlerFunc) http.Handler {
	logger := zap.NewNop()
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewTenantMiddleware(logger).RequireTenant)
	r.Use(NewSessionMiddleware(sessions, logger).LoadSession)
	r.Get("/", handler)
	return r
}

func TestRequireTenant(t *testing.T) {
	logger := zap.NewNop()

	t.Run("stores tenant and request id", func(t *testing.T) {
		var tenantID, requestID string
		r := chi.NewRouter()
		r.Use(chimw.RequestID)
		r.Use(NewTenantMiddleware(logger).RequireTenant)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			tenantID = GetTenantIDFromContext(r.Context())
			requestID = GetRequestIDFromContext(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantHeader, " acme ")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "acme", tenantID)
		assert.NotEmpty(t, requestID)
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"blank header", "   "},
		{"too long", strings.Repeat("t", 256)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewTenantMiddleware(logger).RequireTenant(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, called)
		})
	}
}

func TestLoadSession_AnonymousVisitGetsCookie(t *testing.T) {
	sessions := newSessionService(t)

	var state *session.State
	router := newRouter(sessions, func(w http.ResponseWriter, r *http.Request) {
		state = GetSessionFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "acme")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, state)
	assert.Empty(t, state.Accounts)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "__session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// returning with the cookie resolves the same session without a new cookie
	var again *session.State
	router = newRouter(sessions, func(w http.ResponseWriter, r *http.Request) {
		again = GetSessionFromContext(r.Context())
	})
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "acme")
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.NotNil(t, again)
	assert.Equal(t, state.Session.ID, again.Session.ID)
	assert.Empty(t, w.Result().Cookies())
}

func TestLoadSession_CookieFromOtherTenantStartsFresh(t *testing.T) {
	sessions := newSessionService(t)
	_, cookie, err := sessions.Create(context.Background(), "acme", "ua", "127.0.0.1")
	require.NoError(t, err)

	var state *session.State
	router := newRouter(sessions, func(w http.ResponseWriter, r *http.Request) {
		state = GetSessionFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "globex")
	req.AddCookie(&http.Cookie{Name: "__session", Value: cookie})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.NotNil(t, state)
	assert.Equal(t, "globex", state.Session.TenantID)
	assert.Len(t, w.Result().Cookies(), 1)
}

func TestLoadSession_Errors(t *testing.T) {
	t.Run("resolve failure", func(t *testing.T) {
		sessions := new(MockSessionResolver)
		sessions.On("ResolveOrCreate", mock.Anything, "acme", "", mock.Anything, mock.Anything).
			Return(nil, "", errors.New("store down"))

		called := false
		router := newRouter(sessions, func(http.ResponseWriter, *http.Request) { called = true })

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantHeader, "acme")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.False(t, called)
	})

	t.Run("touch failure is not fatal", func(t *testing.T) {
		sessions := new(MockSessionResolver)
		state := &session.State{Session: models.NewBrowserSession("acme", "ua", "127.0.0.1", time.Now())}
		sessions.On("ResolveOrCreate", mock.Anything, "acme", "sealed", mock.Anything, mock.Anything).Return(state, "", nil)
		sessions.On("Touch", mock.Anything, state.Session.ID).Return(errors.New("timeout"))

		router := newRouter(sessions, func(w http.ResponseWriter, r *http.Request) {
			assert.Same(t, state, GetSessionFromContext(r.Context()))
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantHeader, "acme")
		req.AddCookie(&http.Cookie{Name: "__session", Value: "sealed"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		sessions.AssertExpectations(t)
	})

	t.Run("missing tenant", func(t *testing.T) {
		handler := NewSessionMiddleware(new(MockSessionResolver), zap.NewNop()).LoadSession(http.NotFoundHandler())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestIDFromContext(ctx))
	assert.Empty(t, GetTenantIDFromContext(ctx))
	assert.Nil(t, GetSessionFromContext(ctx))

	ctx = WithTenantID(WithRequestID(ctx, "req-1"), "acme")
	assert.Equal(t, "req-1", GetRequestIDFromContext(ctx))
	assert.Equal(t, "acme", GetTenantIDFromContext(ctx))

	ctx = context.WithValue(ctx, SessionKey, "not a session")
	assert.Nil(t, GetSessionFromContext(ctx))
}
