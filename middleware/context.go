package middleware

import (
	"context"

	"github.com/upb/oauth-issuer/services/session"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// TenantIDKey is the context key for the tenant the request is scoped to
	TenantIDKey contextKey = "tenant_id"

	// SessionKey is the context key for the resolved browser session
	SessionKey contextKey = "browser_session"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetTenantIDFromContext retrieves the tenant ID from context
func GetTenantIDFromContext(ctx context.Context) string {
	if val := ctx.Value(TenantIDKey); val != nil {
		if tenantID, ok := val.(string); ok {
			return tenantID
		}
	}
	return ""
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetSessionFromContext retrieves the browser session state from context
func GetSessionFromContext(ctx context.Context) *session.State {
	if val := ctx.Value(SessionKey); val != nil {
		if state, ok := val.(*session.State); ok {
			return state
		}
	}
	return nil
}

// WithSession adds browser session state to the context
func WithSession(ctx context.Context, state *session.State) context.Context {
	return context.WithValue(ctx, SessionKey, state)
}
