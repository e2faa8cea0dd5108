package middleware

import (
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// TenantHeader carries the tenant a request is scoped to
const TenantHeader = "X-Tenant-ID"

const maxTenantIDLength = 255

// TenantMiddleware scopes requests to the tenant named in TenantHeader
type TenantMiddleware struct {
	logger *zap.Logger
}

// NewTenantMiddleware creates a new TenantMiddleware
func NewTenantMiddleware(logger *zap.Logger) *TenantMiddleware {
	return &TenantMiddleware{logger: logger}
}

// RequireTenant rejects requests without a usable tenant header
func (m *TenantMiddleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := chimw.GetReqID(ctx)

		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" || len(tenantID) > maxTenantIDLength {
			m.logger.Warn("missing or invalid tenant header",
				zap.String("request_id", requestID),
				zap.Int("length", len(tenantID)))
			_ = utils.WriteBadRequest(w, "X-Tenant-ID header is required", nil)
			return
		}

		ctx = WithRequestID(ctx, requestID)
		ctx = WithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
