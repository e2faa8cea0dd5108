package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BrowserSession represents one browser's session. It can hold several signed-in accounts.
type BrowserSession struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	Version      int64     `json:"version" db:"version"`
	ActiveUserID *string   `json:"active_user_id,omitempty" db:"active_user_id"`
}

// TableName returns the table name for the BrowserSession model
func (BrowserSession) TableName() string {
	return "browser_sessions"
}

// NewBrowserSession creates an anonymous session at version 1
func NewBrowserSession(tenantID, userAgent, ipAddress string, now time.Time) *BrowserSession {
	return &BrowserSession{
		ID:           uuid.New(),
		TenantID:     tenantID,
		CreatedAt:    now,
		LastActivity: now,
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		Version:      1,
	}
}

// Expired reports whether the session is past its idle window or its absolute lifetime
func (s *BrowserSession) Expired(now time.Time, slidingWindow, lifetime time.Duration) bool {
	if slidingWindow > 0 && now.Sub(s.LastActivity) > slidingWindow {
		return true
	}
	if lifetime > 0 && now.Sub(s.CreatedAt) > lifetime {
		return true
	}
	return false
}

// Clone returns a copy that can be mutated without touching the original
func (s *BrowserSession) Clone() *BrowserSession {
	c := *s
	if s.ActiveUserID != nil {
		id := *s.ActiveUserID
		c.ActiveUserID = &id
	}
	return &c
}

// AccountSession is a single signed-in account inside a BrowserSession
type AccountSession struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	BrowserSessionID  uuid.UUID         `json:"browser_session_id" db:"browser_session_id"`
	UserID            string            `json:"user_id" db:"user_id"`
	IsActive          bool              `json:"is_active" db:"is_active"`
	AuthenticatedAt   time.Time         `json:"authenticated_at" db:"authenticated_at"`
	ExpiresAt         time.Time         `json:"expires_at" db:"expires_at"`
	SubjectType       string            `json:"subject_type" db:"subject_type"`
	SubjectProperties SubjectProperties `json:"subject_properties" db:"subject_properties"`
	RefreshToken      string            `json:"-" db:"refresh_token"`
	ClientID          string            `json:"client_id" db:"client_id"`
}

// TableName returns the table name for the AccountSession model
func (AccountSession) TableName() string {
	return "account_sessions"
}

// Expired reports whether the account's own authentication has lapsed
func (a *AccountSession) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Clone returns a copy that can be mutated without touching the original
func (a *AccountSession) Clone() *AccountSession {
	c := *a
	return &c
}

// SubjectProperties holds the known profile attributes of an authenticated subject.
// Extra carries provider-specific claims verbatim.
type SubjectProperties struct {
	Email string          `json:"email,omitempty"`
	Name  string          `json:"name,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Value implements driver.Valuer for JSONB columns
func (p SubjectProperties) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB columns
func (p *SubjectProperties) Scan(src interface{}) error {
	return scanJSON(src, p)
}
