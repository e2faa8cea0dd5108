package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/oauth-issuer/middleware"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/services/clients"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// ClientService defines the client operations the admin API exposes
type ClientService interface {
	CreateClient(ctx context.Context, clientID, secret, name string, opts clients.CreateOptions) (*models.OAuthClient, error)
	ValidateClient(ctx context.Context, clientID, secret string) clients.Validation
	UpdateClientSecret(ctx context.Context, clientID, newSecret string) bool
	DisableClient(ctx context.Context, clientID string) bool
}

// CreateClientRequest registers a client. Omitting ClientSecret registers a public client.
type CreateClientRequest struct {
	ClientID     string                `json:"client_id" validate:"required,max=255"`
	ClientSecret string                `json:"client_secret" validate:"omitempty,min=16,max=512"`
	Name         string                `json:"name" validate:"required,max=255"`
	RedirectURIs []string              `json:"redirect_uris"`
	GrantTypes   []string              `json:"grant_types"`
	Scopes       []string              `json:"scopes"`
	Metadata     models.ClientMetadata `json:"metadata"`
}

// RotateSecretRequest replaces a client's secret
type RotateSecretRequest struct {
	ClientSecret string `json:"client_secret" validate:"required,min=16,max=512"`
}

// ValidateClientRequest checks a pair of client credentials
type ValidateClientRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
}

// ValidateClientResponse reports a credential check
type ValidateClientResponse struct {
	Valid          bool `json:"valid"`
	IsPublicClient bool `json:"is_public_client"`
}

// ClientHandler handles OAuth client administration
type ClientHandler struct {
	clients ClientService
	logger  *zap.Logger
}

// NewClientHandler creates a new ClientHandler
func NewClientHandler(clients ClientService, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{
		clients: clients,
		logger:  logger,
	}
}

// HandleCreateClient handles POST /admin/clients
func (h *ClientHandler) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantIDFromContext(ctx)

	var req CreateClientRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	client, err := h.clients.CreateClient(ctx, req.ClientID, req.ClientSecret, req.Name, clients.CreateOptions{
		TenantID:     tenantID,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
		Scopes:       req.Scopes,
		Metadata:     req.Metadata,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("client registered",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("tenant_id", tenantID),
		zap.String("client_id", client.ClientID))

	_ = utils.WriteCreated(w, client)
}

// HandleRotateSecret handles PUT /admin/clients/{clientID}/secret
func (h *ClientHandler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req RotateSecretRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	if !h.clients.UpdateClientSecret(r.Context(), clientID, req.ClientSecret) {
		_ = utils.WriteNotFound(w, "Client not found")
		return
	}
	utils.WriteNoContent(w)
}

// HandleDisableClient handles POST /admin/clients/{clientID}/disable
func (h *ClientHandler) HandleDisableClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	if !h.clients.DisableClient(r.Context(), clientID) {
		_ = utils.WriteNotFound(w, "Client not found")
		return
	}
	utils.WriteNoContent(w)
}

// HandleValidateClient handles POST /admin/clients/validate
func (h *ClientHandler) HandleValidateClient(w http.ResponseWriter, r *http.Request) {
	var req ValidateClientRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	v := h.clients.ValidateClient(r.Context(), req.ClientID, req.ClientSecret)
	_ = utils.WriteOK(w, ValidateClientResponse{Valid: v.Valid, IsPublicClient: v.IsPublicClient})
}
