package rbac

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the RBAC claims added to issued tokens
type Claims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Apply writes the claims into a map-based token payload
func (c *Claims) Apply(m jwt.MapClaims) {
	m["roles"] = slices.Clone(c.Roles)
	m["permissions"] = slices.Clone(c.Permissions)
}

// HasRole reports whether the claims carry role
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// AccessTokenClaims is the payload shape the issuance layer signs for access tokens
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	AppID    string `json:"app_id,omitempty"`
	Claims
}

// NewAccessTokenClaims builds token claims for subject, valid for ttl from issuedAt
func NewAccessTokenClaims(issuer string, subject Subject, rbac *Claims, issuedAt time.Time, ttl time.Duration) *AccessTokenClaims {
	claims := &AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		TenantID: subject.TenantID,
		AppID:    subject.AppID,
	}
	if subject.AppID != "" {
		claims.Audience = jwt.ClaimStrings{subject.AppID}
	}
	if rbac != nil {
		claims.Claims = Claims{
			Roles:       slices.Clone(rbac.Roles),
			Permissions: slices.Clone(rbac.Permissions),
		}
	}
	return claims
}
