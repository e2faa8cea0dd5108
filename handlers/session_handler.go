package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/services/session"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// SessionService defines the browser session operations exposed over HTTP
type SessionService interface {
	SwitchActiveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*session.State, error)
	RemoveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*session.State, error)
	RemoveAll(ctx context.Context, sessionID uuid.UUID) (*session.State, error)
	AdminRevokeSession(ctx context.Context, sessionID uuid.UUID) (bool, error)
	AdminRevokeUser(ctx context.Context, tenantID, userID string) (int, error)
	ClearCookie() *http.Cookie
}

// SwitchAccountRequest selects the active account
type SwitchAccountRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
}

// SessionResponse is the caller-visible view of a browser session
type SessionResponse struct {
	SessionID    uuid.UUID                `json:"session_id"`
	ActiveUserID *string                  `json:"active_user_id,omitempty"`
	Accounts     []*models.AccountSession `json:"accounts"`
}

// RevokeUserResponse reports how many sessions an admin revocation touched
type RevokeUserResponse struct {
	Revoked int `json:"revoked"`
}

// SessionHandler handles browser session requests
type SessionHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

func toSessionResponse(state *session.State) SessionResponse {
	resp := SessionResponse{
		SessionID: state.Session.ID,
		Accounts:  state.Accounts,
	}
	if resp.Accounts == nil {
		resp.Accounts = []*models.AccountSession{}
	}
	if state.Active != nil {
		resp.ActiveUserID = &state.Active.UserID
	}
	return resp
}

// currentSession writes an error and returns nil when the session middleware did not run
func (h *SessionHandler) currentSession(w http.ResponseWriter, r *http.Request) *session.State {
	state := middleware.GetSessionFromContext(r.Context())
	if state == nil {
		h.logger.Error("browser session not found in context",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
		_ = utils.WriteInternalServerError(w, "Session unavailable")
	}
	return state
}

// HandleGetSession handles GET /session
func (h *SessionHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	state := h.currentSession(w, r)
	if state == nil {
		return
	}
	_ = utils.WriteOK(w, toSessionResponse(state))
}

// HandleSwitchAccount handles PUT /session/active
func (h *SessionHandler) HandleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	state := h.currentSession(w, r)
	if state == nil {
		return
	}

	var req SwitchAccountRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	next, err := h.sessions.SwitchActiveAccount(r.Context(), state.Session.ID, req.UserID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toSessionResponse(next))
}

// HandleRemoveAccount handles DELETE /session/accounts/{userID}
func (h *SessionHandler) HandleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	state := h.currentSession(w, r)
	if state == nil {
		return
	}

	next, err := h.sessions.RemoveAccount(r.Context(), state.Session.ID, chi.URLParam(r, "userID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toSessionResponse(next))
}

// HandleSignOutAll handles POST /session/logout. The anonymous session survives.
func (h *SessionHandler) HandleSignOutAll(w http.ResponseWriter, r *http.Request) {
	state := h.currentSession(w, r)
	if state == nil {
		return
	}

	next, err := h.sessions.RemoveAll(r.Context(), state.Session.ID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toSessionResponse(next))
}

// HandleEndSession handles DELETE /session. The browser session is deleted and the cookie cleared.
func (h *SessionHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	state := h.currentSession(w, r)
	if state == nil {
		return
	}

	if _, err := h.sessions.AdminRevokeSession(r.Context(), state.Session.ID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	http.SetCookie(w, h.sessions.ClearCookie())
	utils.WriteNoContent(w)
}

// HandleRevokeSession handles DELETE /admin/sessions/{sessionID}
func (h *SessionHandler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := utils.ParseUUID(chi.URLParam(r, "sessionID"), "session_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	deleted, err := h.sessions.AdminRevokeSession(r.Context(), sessionID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !deleted {
		_ = utils.WriteNotFound(w, "Session not found")
		return
	}

	h.logger.Info("session revoked by admin",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("session_id", sessionID.String()))
	utils.WriteNoContent(w)
}

// HandleRevokeUser handles DELETE /admin/users/{userID}/sessions
func (h *SessionHandler) HandleRevokeUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)
	userID := chi.URLParam(r, "userID")

	n, err := h.sessions.AdminRevokeUser(ctx, tenantID, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("user sessions revoked by admin",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Int("sessions", n))
	_ = utils.WriteOK(w, RevokeUserResponse{Revoked: n})
}
