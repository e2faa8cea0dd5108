// Package session manages multi-account browser sessions.
//
// A browser session is identified by an encrypted cookie and holds up to a
// configured number of signed-in accounts, at most one of them active. Every
// mutation is computed from a loaded snapshot and committed conditionally on the
// snapshot's version; a concurrent writer makes the commit fail with
// services.ErrSessionConflict and the caller decides whether to reload and retry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/config"
	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"github.com/upb/oauth-issuer/repositories/kvstore"
	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// Config controls session lifetime and cookie attributes
type Config struct {
	SlidingWindow time.Duration
	Lifetime      time.Duration
	MaxAccounts   int
	CookieName    string
	CookieSecure  bool
}

// ConfigFrom maps the application configuration
func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		SlidingWindow: cfg.SlidingWindow,
		Lifetime:      cfg.Lifetime,
		MaxAccounts:   cfg.MaxAccounts,
		CookieName:    cfg.CookieName,
		CookieSecure:  cfg.CookieSecure,
	}
}

// State is a resolved browser session with its live accounts
type State struct {
	Session  *models.BrowserSession
	Accounts []*models.AccountSession
	Active   *models.AccountSession
}

// Account returns the live account for userID, or nil
func (s *State) Account(userID string) *models.AccountSession {
	for _, a := range s.Accounts {
		if a.UserID == userID {
			return a
		}
	}
	return nil
}

// AccountData describes an account being signed in
type AccountData struct {
	UserID            string                   `json:"user_id" validate:"required,max=255"`
	AuthenticatedAt   time.Time                `json:"authenticated_at"`
	ExpiresAt         time.Time                `json:"expires_at"`
	SubjectType       string                   `json:"subject_type" validate:"omitempty,oneof=user service"`
	SubjectProperties models.SubjectProperties `json:"subject_properties"`
	RefreshToken      string                   `json:"-"`
	ClientID          string                   `json:"client_id"`
}

// RefreshTokenRecord is the blob stored in the KV store for an account's refresh token
type RefreshTokenRecord struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service manages browser sessions
type Service struct {
	repo    repositories.SessionRepository
	codec   *CookieCodec
	kv      repositories.KVStore
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a session Service. kv, logger and metrics may be nil.
func NewService(repo repositories.SessionRepository, codec *CookieCodec, kv repositories.KVStore, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = 3
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "__session"
	}
	return &Service{
		repo:    repo,
		codec:   codec,
		kv:      kv,
		cfg:     cfg,
		logger:  observability.OrNop(logger),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create starts an anonymous browser session and returns it with its cookie value
func (s *Service) Create(ctx context.Context, tenantID, userAgent, ipAddress string) (*models.BrowserSession, string, error) {
	sess := models.NewBrowserSession(tenantID, userAgent, ipAddress, s.now())
	if err := s.repo.CreateBrowserSession(ctx, sess); err != nil {
		return nil, "", services.WrapInternal("failed to create browser session", err)
	}

	cookie, err := s.IssueCookie(sess)
	if err != nil {
		return nil, "", err
	}

	s.logger.Debug("browser session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("tenant_id", tenantID))
	return sess, cookie, nil
}

// IssueCookie encodes a cookie value for sess
func (s *Service) IssueCookie(sess *models.BrowserSession) (string, error) {
	value, err := s.codec.Encode(CookiePayload{
		SessionID: sess.ID,
		Version:   sess.Version,
		IssuedAt:  s.now(),
	}, sess.TenantID)
	if err != nil {
		return "", services.WrapInternal("failed to encode session cookie", err)
	}
	return value, nil
}

// Resolve loads the session named by cookieValue. A missing, undecodable, unknown,
// foreign-tenant or expired session resolves to nil with no error.
func (s *Service) Resolve(ctx context.Context, tenantID, cookieValue string) (*State, error) {
	payload, ok := s.codec.Decode(cookieValue, tenantID)
	if !ok {
		return nil, nil
	}

	sess, err := s.repo.GetBrowserSession(ctx, payload.SessionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load browser session", err)
	}
	now := s.now()
	if sess == nil || sess.TenantID != tenantID || sess.Expired(now, s.cfg.SlidingWindow, s.cfg.Lifetime) {
		return nil, nil
	}

	accounts, err := s.repo.ListAccountSessions(ctx, sess.ID)
	if err != nil {
		return nil, services.WrapInternal("failed to load account sessions", err)
	}
	return buildState(sess, accounts, now), nil
}

// ResolveOrCreate resolves the cookie, creating a fresh session when it names none.
// The returned cookie value is empty when an existing session was resolved.
func (s *Service) ResolveOrCreate(ctx context.Context, tenantID, cookieValue, userAgent, ipAddress string) (*State, string, error) {
	state, err := s.Resolve(ctx, tenantID, cookieValue)
	if err != nil {
		return nil, "", err
	}
	if state != nil {
		return state, "", nil
	}

	sess, cookie, err := s.Create(ctx, tenantID, userAgent, ipAddress)
	if err != nil {
		return nil, "", err
	}
	return &State{Session: sess, Accounts: []*models.AccountSession{}}, cookie, nil
}

// AddAccount signs an account into the session. Signing in a user already present
// updates that account in place. The account becomes active when none is.
func (s *Service) AddAccount(ctx context.Context, sessionID uuid.UUID, data AccountData) (*State, error) {
	if err := utils.ValidateStruct(data); err != nil {
		return nil, services.InvalidInputFrom(err)
	}

	var replacedToken string
	state, err := s.mutate(ctx, sessionID, func(m *mutation) error {
		m.pruneExpired()

		account, exists := m.accounts[data.UserID]
		if !exists {
			if len(m.accounts) >= s.cfg.MaxAccounts {
				return services.ErrMaxAccountsExceeded.
					WithDetail("max_accounts", s.cfg.MaxAccounts).
					WithDetail("session_id", sessionID.String())
			}
			account = &models.AccountSession{
				ID:               uuid.New(),
				BrowserSessionID: sessionID,
				UserID:           data.UserID,
			}
		} else {
			replacedToken = account.RefreshToken
		}

		account.AuthenticatedAt = data.AuthenticatedAt
		if account.AuthenticatedAt.IsZero() {
			account.AuthenticatedAt = m.now
		}
		account.ExpiresAt = data.ExpiresAt
		account.SubjectType = data.SubjectType
		if account.SubjectType == "" {
			account.SubjectType = "user"
		}
		account.SubjectProperties = data.SubjectProperties
		account.RefreshToken = data.RefreshToken
		account.ClientID = data.ClientID
		m.put(account)

		if m.session.ActiveUserID == nil {
			m.setActive(data.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replacedToken != "" && replacedToken != data.RefreshToken {
		s.removeRefreshToken(ctx, state.Session.TenantID, data.UserID, replacedToken)
	}
	if added := state.Account(data.UserID); added != nil {
		s.storeRefreshToken(ctx, state.Session, added)
	}

	s.logger.Info("account added to browser session",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", data.UserID),
		zap.Int("accounts", len(state.Accounts)))
	return state, nil
}

// SwitchActiveAccount makes userID the active account
func (s *Service) SwitchActiveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*State, error) {
	return s.mutate(ctx, sessionID, func(m *mutation) error {
		account, ok := m.accounts[userID]
		if !ok || account.Expired(m.now) {
			return services.ErrAccountNotFound.WithDetail("user_id", userID)
		}
		m.setActive(userID)
		return nil
	})
}

// RemoveAccount signs userID out of the session. Removing the active account
// leaves the session with no active account.
func (s *Service) RemoveAccount(ctx context.Context, sessionID uuid.UUID, userID string) (*State, error) {
	var token string
	state, err := s.mutate(ctx, sessionID, func(m *mutation) error {
		account, ok := m.accounts[userID]
		if !ok {
			return services.ErrAccountNotFound.WithDetail("user_id", userID)
		}
		token = account.RefreshToken
		m.remove(userID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.removeRefreshToken(ctx, state.Session.TenantID, userID, token)
	s.logger.Info("account removed from browser session",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID))
	return state, nil
}

// RefreshAccount replaces an account's refresh token and expiry
func (s *Service) RefreshAccount(ctx context.Context, sessionID uuid.UUID, userID, refreshToken string, expiresAt time.Time) (*State, error) {
	var oldToken string
	state, err := s.mutate(ctx, sessionID, func(m *mutation) error {
		account, ok := m.accounts[userID]
		if !ok || account.Expired(m.now) {
			return services.ErrAccountNotFound.WithDetail("user_id", userID)
		}
		oldToken = account.RefreshToken
		account.RefreshToken = refreshToken
		account.ExpiresAt = expiresAt
		m.put(account)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldToken != refreshToken {
		s.removeRefreshToken(ctx, state.Session.TenantID, userID, oldToken)
	}
	if account := state.Account(userID); account != nil {
		s.storeRefreshToken(ctx, state.Session, account)
	}
	return state, nil
}

// RemoveAll signs every account out of the session, keeping the session itself
func (s *Service) RemoveAll(ctx context.Context, sessionID uuid.UUID) (*State, error) {
	var removed []*models.AccountSession
	state, err := s.mutate(ctx, sessionID, func(m *mutation) error {
		for userID, account := range m.accounts {
			removed = append(removed, account)
			m.remove(userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range removed {
		s.removeRefreshToken(ctx, state.Session.TenantID, a.UserID, a.RefreshToken)
	}
	s.logger.Info("all accounts removed from browser session",
		zap.String("session_id", sessionID.String()),
		zap.Int("removed", len(removed)))
	return state, nil
}

// AdminRevokeSession deletes a browser session and all its accounts.
// Returns false when the session does not exist.
func (s *Service) AdminRevokeSession(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	sess, err := s.repo.GetBrowserSession(ctx, sessionID)
	if err != nil {
		return false, services.WrapInternal("failed to load browser session", err)
	}
	if sess == nil {
		return false, nil
	}

	accounts, err := s.repo.ListAccountSessions(ctx, sessionID)
	if err != nil {
		return false, services.WrapInternal("failed to load account sessions", err)
	}

	deleted, err := s.repo.DeleteBrowserSession(ctx, sessionID)
	if err != nil {
		return false, services.WrapInternal("failed to delete browser session", err)
	}

	for _, a := range accounts {
		s.removeRefreshToken(ctx, sess.TenantID, a.UserID, a.RefreshToken)
	}
	s.logger.Info("browser session revoked",
		zap.String("session_id", sessionID.String()),
		zap.Int("accounts", len(accounts)))
	return deleted, nil
}

// AdminRevokeUser signs userID out of every browser session in the tenant and
// removes the user's refresh-token blobs. It returns the number of sessions touched.
// Sessions that fail with a conflict are reported in the joined error; the rest
// are still processed.
func (s *Service) AdminRevokeUser(ctx context.Context, tenantID, userID string) (int, error) {
	sessions, err := s.repo.ListBrowserSessionsByUser(ctx, tenantID, userID)
	if err != nil {
		return 0, services.WrapInternal("failed to list browser sessions", err)
	}

	var errs []error
	touched := 0
	now := s.now()
	for _, sess := range sessions {
		if sess.Expired(now, s.cfg.SlidingWindow, s.cfg.Lifetime) {
			if _, err := s.repo.DeleteBrowserSession(ctx, sess.ID); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
				continue
			}
			touched++
			continue
		}

		_, err := s.mutate(ctx, sess.ID, func(m *mutation) error {
			if _, ok := m.accounts[userID]; !ok {
				return services.ErrAccountNotFound
			}
			m.remove(userID)
			return nil
		})
		switch {
		case err == nil:
			touched++
		case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrSessionExpired):
		default:
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}

	if s.kv != nil {
		for entry, err := range kvstore.All(ctx, s.kv, kvstore.RefreshTokenPrefix(tenantID, userID), 0) {
			if err != nil {
				errs = append(errs, fmt.Errorf("scan refresh tokens: %w", err))
				break
			}
			if err := s.kv.Remove(ctx, entry.Key); err != nil {
				errs = append(errs, fmt.Errorf("remove refresh token: %w", err))
			}
		}
	}

	s.logger.Info("user revoked from browser sessions",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Int("sessions", touched),
		zap.Int("errors", len(errs)))
	return touched, errors.Join(errs...)
}

// Touch records activity on the session. It is not versioned and never moves
// last activity backwards. An expired or missing session is not revived and
// yields ErrSessionExpired.
func (s *Service) Touch(ctx context.Context, sessionID uuid.UUID) error {
	now := s.now()
	ok, err := s.repo.TouchBrowserSession(ctx, sessionID, now, now.Add(-s.cfg.SlidingWindow), now.Add(-s.cfg.Lifetime))
	if err != nil {
		return services.WrapInternal("failed to touch browser session", err)
	}
	if !ok {
		return services.ErrSessionExpired.WithDetail("session_id", sessionID.String())
	}
	return nil
}

// Cookie wraps a cookie value in an http.Cookie with the session attributes
func (s *Service) Cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.Lifetime / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie returns a cookie that deletes the session cookie
func (s *Service) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// CookieName returns the configured cookie name
func (s *Service) CookieName() string {
	return s.cfg.CookieName
}

// mutate loads the session, applies fn to a copy and commits it conditioned on
// the loaded version.
func (s *Service) mutate(ctx context.Context, sessionID uuid.UUID, fn func(m *mutation) error) (*State, error) {
	sess, err := s.repo.GetBrowserSession(ctx, sessionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load browser session", err)
	}
	now := s.now()
	if sess == nil || sess.Expired(now, s.cfg.SlidingWindow, s.cfg.Lifetime) {
		return nil, services.ErrSessionExpired.WithDetail("session_id", sessionID.String())
	}

	accounts, err := s.repo.ListAccountSessions(ctx, sessionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load account sessions", err)
	}

	m := newMutation(sess, accounts, now)
	if err := fn(m); err != nil {
		return nil, err
	}

	next := m.session
	next.Version = sess.Version + 1
	if now.After(next.LastActivity) {
		next.LastActivity = now
	}

	err = s.repo.CommitBrowserSession(ctx, repositories.SessionCommit{
		Session:         next,
		ExpectedVersion: sess.Version,
		Upserts:         m.upserts(),
		RemoveUserIDs:   m.removed,
	})
	if errors.Is(err, repositories.ErrNotFound) {
		s.logger.Debug("browser session deleted during write", zap.String("session_id", sessionID.String()))
		return nil, services.ErrSessionExpired.Wrap(err).WithDetail("session_id", sessionID.String())
	}
	if errors.Is(err, repositories.ErrVersionConflict) {
		s.metrics.RecordSessionConflict()
		s.logger.Debug("browser session write conflict",
			zap.String("session_id", sessionID.String()),
			zap.Int64("expected_version", sess.Version))
		return nil, services.ErrSessionConflict.Wrap(err).WithDetail("session_id", sessionID.String())
	}
	if err != nil {
		return nil, services.WrapInternal("failed to commit browser session", err)
	}

	return buildState(next, m.list(), now), nil
}

func (s *Service) storeRefreshToken(ctx context.Context, sess *models.BrowserSession, account *models.AccountSession) {
	if s.kv == nil || account.RefreshToken == "" {
		return
	}

	record := RefreshTokenRecord{
		SessionID: sess.ID,
		UserID:    account.UserID,
		ClientID:  account.ClientID,
		IssuedAt:  s.now(),
		ExpiresAt: account.ExpiresAt,
	}
	value, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to encode refresh token record", zap.Error(err))
		return
	}

	var expiry *time.Time
	if !account.ExpiresAt.IsZero() {
		expiry = &account.ExpiresAt
	}
	key := kvstore.RefreshTokenKey(sess.TenantID, account.UserID, account.RefreshToken)
	if err := s.kv.Set(ctx, key, value, expiry); err != nil {
		s.logger.Error("failed to store refresh token record",
			zap.String("session_id", sess.ID.String()),
			zap.String("user_id", account.UserID),
			zap.Error(err))
	}
}

func (s *Service) removeRefreshToken(ctx context.Context, tenantID, userID, token string) {
	if s.kv == nil || token == "" {
		return
	}
	if err := s.kv.Remove(ctx, kvstore.RefreshTokenKey(tenantID, userID, token)); err != nil {
		s.logger.Error("failed to remove refresh token record",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// buildState keeps the accounts that are still live at now
func buildState(sess *models.BrowserSession, accounts []*models.AccountSession, now time.Time) *State {
	state := &State{Session: sess, Accounts: make([]*models.AccountSession, 0, len(accounts))}
	for _, a := range accounts {
		if a.Expired(now) {
			continue
		}
		state.Accounts = append(state.Accounts, a)
		if sess.ActiveUserID != nil && a.UserID == *sess.ActiveUserID {
			state.Active = a
		}
	}
	return state
}

// mutation is the working copy of one session change
type mutation struct {
	session  *models.BrowserSession
	accounts map[string]*models.AccountSession
	dirty    map[string]bool
	removed  []string
	now      time.Time
}

func newMutation(sess *models.BrowserSession, accounts []*models.AccountSession, now time.Time) *mutation {
	m := &mutation{
		session:  sess.Clone(),
		accounts: make(map[string]*models.AccountSession, len(accounts)),
		dirty:    make(map[string]bool),
		now:      now,
	}
	for _, a := range accounts {
		m.accounts[a.UserID] = a.Clone()
	}
	return m
}

func (m *mutation) put(a *models.AccountSession) {
	m.accounts[a.UserID] = a
	m.dirty[a.UserID] = true
}

func (m *mutation) remove(userID string) {
	delete(m.accounts, userID)
	delete(m.dirty, userID)
	m.removed = append(m.removed, userID)
	if m.session.ActiveUserID != nil && *m.session.ActiveUserID == userID {
		m.session.ActiveUserID = nil
	}
}

func (m *mutation) setActive(userID string) {
	for id, a := range m.accounts {
		active := id == userID
		if a.IsActive != active {
			a.IsActive = active
			m.dirty[id] = true
		}
	}
	id := userID
	m.session.ActiveUserID = &id
}

func (m *mutation) pruneExpired() {
	for userID, a := range m.accounts {
		if a.Expired(m.now) {
			m.remove(userID)
		}
	}
}

func (m *mutation) upserts() []*models.AccountSession {
	out := make([]*models.AccountSession, 0, len(m.dirty))
	for userID := range m.dirty {
		out = append(out, m.accounts[userID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *mutation) list() []*models.AccountSession {
	out := make([]*models.AccountSession, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AuthenticatedAt.Equal(out[j].AuthenticatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AuthenticatedAt.Before(out[j].AuthenticatedAt)
	})
	return out
}
