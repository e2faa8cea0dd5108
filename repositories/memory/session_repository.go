package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
)

type sessionRecord struct {
	session  *models.BrowserSession
	accounts map[string]*models.AccountSession
}

// SessionRepository is an in-memory repositories.SessionRepository.
// CommitBrowserSession checks the version and applies the change under one lock.
type SessionRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionRecord
}

// NewSessionRepository creates an empty session repository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[uuid.UUID]*sessionRecord)}
}

// CreateBrowserSession stores a new browser session
func (r *SessionRepository) CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return repositories.ErrDuplicate
	}
	r.sessions[session.ID] = &sessionRecord{
		session:  session.Clone(),
		accounts: make(map[string]*models.AccountSession),
	}
	return nil
}

// GetBrowserSession returns a copy of the stored session
func (r *SessionRepository) GetBrowserSession(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return rec.session.Clone(), nil
}

// ListAccountSessions returns copies ordered by authentication time
func (r *SessionRepository) ListAccountSessions(ctx context.Context, browserSessionID uuid.UUID) ([]*models.AccountSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[browserSessionID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.AccountSession, 0, len(rec.accounts))
	for _, a := range rec.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AuthenticatedAt.Equal(out[j].AuthenticatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AuthenticatedAt.Before(out[j].AuthenticatedAt)
	})
	return out, nil
}

// CommitBrowserSession applies the change when the stored version equals ExpectedVersion
func (r *SessionRepository) CommitBrowserSession(ctx context.Context, commit repositories.SessionCommit) error {
	if commit.Session == nil {
		return fmt.Errorf("commit has no session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[commit.Session.ID]
	if !ok {
		return repositories.ErrNotFound
	}
	if rec.session.Version != commit.ExpectedVersion {
		return repositories.ErrVersionConflict
	}

	next := commit.Session.Clone()
	if next.LastActivity.Before(rec.session.LastActivity) {
		next.LastActivity = rec.session.LastActivity
	}
	rec.session = next

	for _, userID := range commit.RemoveUserIDs {
		delete(rec.accounts, userID)
	}
	for _, a := range commit.Upserts {
		c := a.Clone()
		c.BrowserSessionID = next.ID
		rec.accounts[c.UserID] = c
	}
	return nil
}

// TouchBrowserSession moves last activity forward on live sessions
func (r *SessionRepository) TouchBrowserSession(ctx context.Context, id uuid.UUID, at, idleCutoff, lifetimeCutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.session.LastActivity.Before(idleCutoff) || rec.session.CreatedAt.Before(lifetimeCutoff) {
		return false, nil
	}
	if at.After(rec.session.LastActivity) {
		rec.session.LastActivity = at
	}
	return true, nil
}

// DeleteBrowserSession removes a session and its accounts
func (r *SessionRepository) DeleteBrowserSession(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false, nil
	}
	delete(r.sessions, id)
	return true, nil
}

// ListBrowserSessionsByUser returns the tenant's sessions holding the user
func (r *SessionRepository) ListBrowserSessionsByUser(ctx context.Context, tenantID, userID string) ([]*models.BrowserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.BrowserSession
	for _, rec := range r.sessions {
		if rec.session.TenantID != tenantID {
			continue
		}
		if _, ok := rec.accounts[userID]; ok {
			out = append(out, rec.session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExpiredBrowserSessions removes sessions idle since idleCutoff or created before lifetimeCutoff
func (r *SessionRepository) DeleteExpiredBrowserSessions(ctx context.Context, idleCutoff, lifetimeCutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, rec := range r.sessions {
		if rec.session.LastActivity.Before(idleCutoff) || rec.session.CreatedAt.Before(lifetimeCutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}
