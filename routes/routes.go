package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/oauth-issuer/app"
	issuermw "github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", issuermw.TenantHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// Browser session endpoints, addressed by cookie
	r.Route("/session", func(r chi.Router) {
		r.Use(deps.TenantMiddleware.RequireTenant)
		r.Use(deps.SessionMiddleware.LoadSession)
		r.Get("/", deps.SessionHandler.HandleGetSession)
		r.Delete("/", deps.SessionHandler.HandleEndSession)
		r.Put("/active", deps.SessionHandler.HandleSwitchAccount)
		r.Delete("/accounts/{userID}", deps.SessionHandler.HandleRemoveAccount)
		r.Post("/logout", deps.SessionHandler.HandleSignOutAll)
	})

	// Admin API (client credentials holding the admin scope)
	r.Route("/admin", func(r chi.Router) {
		r.Use(deps.TenantMiddleware.RequireTenant)
		r.Use(deps.ClientAuthMiddleware.RequireScope(deps.Config.Admin.Scope))

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", deps.ClientHandler.HandleCreateClient)
			r.Post("/validate", deps.ClientHandler.HandleValidateClient)
			r.Put("/{clientID}/secret", deps.ClientHandler.HandleRotateSecret)
			r.Post("/{clientID}/disable", deps.ClientHandler.HandleDisableClient)
		})

		r.Delete("/sessions/{sessionID}", deps.SessionHandler.HandleRevokeSession)

		r.Post("/roles", deps.RBACHandler.HandleCreateRole)
		r.Post("/roles/{roleID}/permissions", deps.RBACHandler.HandleGrantPermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", deps.RBACHandler.HandleRevokePermission)

		r.Post("/permissions", deps.RBACHandler.HandleCreatePermission)
		r.Post("/permissions/check", deps.RBACHandler.HandleCheckPermissions)
		r.Delete("/permission-cache", deps.RBACHandler.HandleInvalidateTenant)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/roles", deps.RBACHandler.HandleListUserRoles)
			r.Post("/roles", deps.RBACHandler.HandleAssignRole)
			r.Delete("/roles/{roleID}", deps.RBACHandler.HandleRemoveRole)
			r.Get("/claims", deps.RBACHandler.HandleGetClaims)
			r.Delete("/permission-cache", deps.RBACHandler.HandleInvalidateUser)
			r.Delete("/sessions", deps.SessionHandler.HandleRevokeUser)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
