package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// OAuthClient represents a registered OAuth client within a tenant
type OAuthClient struct {
	ClientID                string         `json:"client_id" db:"client_id"`
	TenantID                string         `json:"tenant_id" db:"tenant_id"`
	SecretHash              *string        `json:"-" db:"secret_hash"` // Nil for public clients
	PreviousSecretHash      *string        `json:"-" db:"previous_secret_hash"`
	PreviousSecretExpiresAt *time.Time     `json:"-" db:"previous_secret_expires_at"`
	Name                    string         `json:"name" db:"name"`
	RedirectURIs            []string       `json:"redirect_uris" db:"redirect_uris"`
	GrantTypes              []string       `json:"grant_types" db:"grant_types"`
	Scopes                  []string       `json:"scopes" db:"scopes"`
	Enabled                 bool           `json:"enabled" db:"enabled"`
	Metadata                ClientMetadata `json:"metadata" db:"metadata"`
	CreatedAt               time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the OAuthClient model
func (OAuthClient) TableName() string {
	return "oauth_clients"
}

// NewOAuthClient creates an enabled client. A nil secretHash makes it a public client.
func NewOAuthClient(tenantID, clientID, name string, secretHash *string) *OAuthClient {
	now := time.Now().UTC()
	return &OAuthClient{
		ClientID:     clientID,
		TenantID:     tenantID,
		SecretHash:   secretHash,
		Name:         name,
		RedirectURIs: []string{},
		GrantTypes:   []string{},
		Scopes:       []string{},
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsPublic reports whether the client has no stored secret
func (c *OAuthClient) IsPublic() bool {
	return c.SecretHash == nil
}

// PreviousSecretValid reports whether the rotated-out secret is still inside its grace window
func (c *OAuthClient) PreviousSecretValid(now time.Time) bool {
	if c.PreviousSecretHash == nil || c.PreviousSecretExpiresAt == nil {
		return false
	}
	return now.Before(*c.PreviousSecretExpiresAt)
}

// ClientMetadata holds the known metadata fields of a client registration.
// Extra carries provider-specific data verbatim.
type ClientMetadata struct {
	LogoURI   string          `json:"logo_uri,omitempty"`
	PolicyURI string          `json:"policy_uri,omitempty"`
	TOSURI    string          `json:"tos_uri,omitempty"`
	Contacts  []string        `json:"contacts,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// Value implements driver.Valuer for JSONB columns
func (m ClientMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns
func (m *ClientMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("unsupported JSON column type")
	}
}
