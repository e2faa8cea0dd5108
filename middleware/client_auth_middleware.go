package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// ClientKey is the context key for the authenticated OAuth client
const ClientKey contextKey = "oauth_client"

// ClientAuthenticator validates client credentials
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, clientID, secret string) (*models.OAuthClient, bool)
}

// ClientAuthMiddleware authenticates confidential clients with HTTP Basic credentials
type ClientAuthMiddleware struct {
	clients ClientAuthenticator
	logger  *zap.Logger
}

// NewClientAuthMiddleware creates a new ClientAuthMiddleware
func NewClientAuthMiddleware(clients ClientAuthenticator, logger *zap.Logger) *ClientAuthMiddleware {
	return &ClientAuthMiddleware{
		clients: clients,
		logger:  logger,
	}
}

// RequireScope admits confidential clients whose registration lists scope
func (m *ClientAuthMiddleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			clientID, secret, ok := r.BasicAuth()
			if !ok || clientID == "" || secret == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="issuer"`)
				_ = utils.WriteUnauthorized(w, "Client credentials required")
				return
			}

			client, _ := m.clients.AuthenticateClient(ctx, clientID, secret)
			if client == nil || client.IsPublic() {
				m.logger.Warn("client authentication failed",
					zap.String("request_id", requestID),
					zap.String("client_id", clientID))
				w.Header().Set("WWW-Authenticate", `Basic realm="issuer"`)
				_ = utils.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid client credentials", nil)
				return
			}

			if !slices.Contains(client.Scopes, scope) {
				m.logger.Warn("client lacks required scope",
					zap.String("request_id", requestID),
					zap.String("client_id", clientID),
					zap.String("required_scope", scope))
				_ = utils.WriteError(w, http.StatusForbidden, "insufficient_scope", "Client is not allowed to use this endpoint", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClient(ctx, client)))
		})
	}
}

// GetClientFromContext retrieves the authenticated client from context
func GetClientFromContext(ctx context.Context) *models.OAuthClient {
	if val := ctx.Value(ClientKey); val != nil {
		if client, ok := val.(*models.OAuthClient); ok {
			return client
		}
	}
	return nil
}

// WithClient adds the authenticated client to the context
func WithClient(ctx context.Context, client *models.OAuthClient) context.Context {
	return context.WithValue(ctx, ClientKey, client)
}
