package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/services/session"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// SessionResolver is the part of the session service the middleware needs
type SessionResolver interface {
	ResolveOrCreate(ctx context.Context, tenantID, cookieValue, userAgent, ipAddress string) (*session.State, string, error)
	Touch(ctx context.Context, sessionID uuid.UUID) error
	Cookie(value string) *http.Cookie
	CookieName() string
}

// SessionMiddleware attaches the caller's browser session to the request.
// It must run after TenantMiddleware.RequireTenant.
type SessionMiddleware struct {
	sessions SessionResolver
	logger   *zap.Logger
}

// NewSessionMiddleware creates a new SessionMiddleware
func NewSessionMiddleware(sessions SessionResolver, logger *zap.Logger) *SessionMiddleware {
	return &SessionMiddleware{
		sessions: sessions,
		logger:   logger,
	}
}

// LoadSession resolves the session cookie. Unknown, tampered or expired cookies
// get a fresh anonymous session and a new cookie. Known sessions are touched.
func (m *SessionMiddleware) LoadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		tenantID := GetTenantIDFromContext(ctx)
		if tenantID == "" {
			m.logger.Error("tenant not found in context",
				zap.String("request_id", requestID))
			_ = utils.WriteBadRequest(w, "X-Tenant-ID header is required", nil)
			return
		}

		var cookieValue string
		if c, err := r.Cookie(m.sessions.CookieName()); err == nil {
			cookieValue = c.Value
		}

		state, fresh, err := m.sessions.ResolveOrCreate(ctx, tenantID, cookieValue, r.UserAgent(), utils.ClientIP(r))
		if err != nil {
			m.logger.Error("failed to resolve browser session",
				zap.String("request_id", requestID),
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "Failed to resolve session")
			return
		}

		if fresh != "" {
			http.SetCookie(w, m.sessions.Cookie(fresh))
			m.logger.Debug("anonymous browser session created",
				zap.String("request_id", requestID),
				zap.String("session_id", state.Session.ID.String()))
		} else if err := m.sessions.Touch(ctx, state.Session.ID); err != nil {
			m.logger.Warn("failed to touch browser session",
				zap.String("request_id", requestID),
				zap.String("session_id", state.Session.ID.String()),
				zap.Error(err))
		}

		next.ServeHTTP(w, r.WithContext(WithSession(ctx, state)))
	})
}
