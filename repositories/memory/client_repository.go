// Package memory holds in-process implementations of the repository contracts.
// They back development mode and service tests that need real write semantics.
package memory

import (
	"context"
	"sync"

	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
)

// ClientRepository is an in-memory repositories.ClientRepository
type ClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*models.OAuthClient
}

// NewClientRepository creates an empty client repository
func NewClientRepository() *ClientRepository {
	return &ClientRepository{clients: make(map[string]*models.OAuthClient)}
}

// Get returns a copy of the stored client
func (r *ClientRepository) Get(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, nil
	}
	return cloneClient(c), nil
}

// Create stores a new client
func (r *ClientRepository) Create(ctx context.Context, client *models.OAuthClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client.ClientID]; exists {
		return repositories.ErrDuplicate
	}
	r.clients[client.ClientID] = cloneClient(client)
	return nil
}

// Update applies a partial update
func (r *ClientRepository) Update(ctx context.Context, clientID string, u repositories.ClientUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false, nil
	}
	if u.SecretHash != nil {
		c.SecretHash = copyString(u.SecretHash)
	}
	if u.PreviousSecretHash != nil {
		c.PreviousSecretHash = copyString(u.PreviousSecretHash)
	}
	if u.PreviousSecretExpiresAt != nil {
		t := *u.PreviousSecretExpiresAt
		c.PreviousSecretExpiresAt = &t
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.RedirectURIs != nil {
		c.RedirectURIs = append([]string(nil), u.RedirectURIs...)
	}
	if u.Scopes != nil {
		c.Scopes = append([]string(nil), u.Scopes...)
	}
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	c.UpdatedAt = u.UpdatedAt
	return true, nil
}

func cloneClient(c *models.OAuthClient) *models.OAuthClient {
	out := *c
	out.SecretHash = copyString(c.SecretHash)
	out.PreviousSecretHash = copyString(c.PreviousSecretHash)
	if c.PreviousSecretExpiresAt != nil {
		t := *c.PreviousSecretExpiresAt
		out.PreviousSecretExpiresAt = &t
	}
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
