// Package api provides HTTP handlers and routing for the entity
// processing service. It includes authentication, message submission,
// and entity lookup endpoints.
package api

import (
	"net/http"
	"strconv"

	jwtlib "github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/entityflow/entitycore/entity"
	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/message"
	"github.com/entityflow/entitycore/queue"
	"github.com/entityflow/entitycore/security"
	"github.com/entityflow/entitycore/statemanager"
	"github.com/entityflow/entitycore/tenant"
)

// Handlers contains the service dependencies required for API operations:
// a queue publisher for inbound entity messages, the entity repository
// and ledger for read endpoints, a token service for issuing and
// validating JWTs, and an operation tracker surfaced at /v1/api/state.
type Handlers struct {
	Queue    queue.MessagePublisher
	Entities entity.Repository
	Ledger   ledger.Ledger
	Tokens   *security.TokenService
	State    *statemanager.Manager
}

// SetupRoutes configures all API routes for the entity processing
// service.
//
// Public routes:
//   - POST /auth/token - Generate an authentication token for a tenant
//
// Protected routes (require JWT authentication):
//   - POST /v1/api/messages - Submit an entity message for processing
//   - GET /v1/api/entities/:id - Get a specific entity by id
//   - GET /v1/api/entities - List entities, optionally filtered by state
func SetupRoutes(e *echo.Echo, h *Handlers) {
	auth := e.Group("/auth")
	auth.POST("/token", h.GenerateToken)

	protected := e.Group("/v1/api")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    h.Tokens.SigningKey(),
		SigningMethod: jwtlib.SigningMethodHS256.Alg(),
		NewClaimsFunc: func(c echo.Context) jwtlib.Claims {
			return &security.Claims{}
		},
		TokenLookup: "header:Authorization:Bearer ",
		SuccessHandler: func(c echo.Context) {
			token, ok := c.Get("user").(*jwtlib.Token)
			if !ok {
				return
			}
			if claims, ok := token.Claims.(*security.Claims); ok {
				SetScopes(c, claims.Scopes)
				ctx, err := tenant.WithTenant(c.Request().Context(), claims.TenantID)
				if err == nil {
					c.SetRequest(c.Request().WithContext(ctx))
				}
			}
		},
	}))

	if h.State != nil {
		protected.Use(h.State.Middleware("api_request"))
		h.State.RegisterRoutes(protected)
	}

	protected.POST("/messages", h.SubmitMessage, RequireScope("entities:write"))
	protected.GET("/entities/:id", h.GetEntity, RequireScope("entities:read"))
	protected.GET("/entities", h.ListEntitiesByState, RequireScope("entities:read"))
}

// TokenRequest represents the request payload for token generation.
type TokenRequest struct {
	TenantID string   `json:"tenant_id" validate:"required"`
	Scopes   []string `json:"scopes"`
}

// TokenResponse represents the response payload containing the generated JWT token.
type TokenResponse struct {
	Token string `json:"token"`
}

// GenerateToken handles JWT token generation scoped to a tenant.
//
// Endpoint: POST /auth/token
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if req.TenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
	}

	token, err := h.Tokens.GenerateToken(req.TenantID, req.Scopes)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to generate token"})
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}

// SubmitMessage publishes an entity message onto the processing queue.
//
// Endpoint: POST /v1/api/messages
// Authentication: Required (JWT Bearer token, scope entities:write)
func (h *Handlers) SubmitMessage(c echo.Context) error {
	var msg message.Message
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message format"})
	}

	tenantID, err := tenant.RequireTenantID(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "no tenant in token"})
	}
	msg.EntityReference.TenantID = tenantID

	if msg.EntityReference.ExternalID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "entity_reference.external_id is required"})
	}
	if msg.MessageID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message_id is required"})
	}

	if err := h.Queue.PublishMessage(msg); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to publish message"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "message published"})
}

// GetEntity retrieves a specific entity by its internal id.
//
// Endpoint: GET /v1/api/entities/:id
// Authentication: Required (JWT Bearer token, scope entities:read)
func (h *Handlers) GetEntity(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "entity id is required"})
	}

	e, err := h.Entities.RequireByID(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "entity not found"})
	}

	return c.JSON(http.StatusOK, e)
}

// ListEntitiesByState lists entity ids currently sitting in a given
// ledger state, optionally paginated.
//
// Endpoint: GET /v1/api/entities
// Authentication: Required (JWT Bearer token, scope entities:read)
//
// Query Parameters:
//   - state (required): the ledger state to filter by
//   - limit, offset (optional): pagination
func (h *Handlers) ListEntitiesByState(c echo.Context) error {
	state := c.QueryParam("state")
	if state == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "state is required"})
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ids, err := h.Ledger.GetEntitiesInState(c.Request().Context(), state, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list entities"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"entity_ids": ids,
		"count":      len(ids),
	})
}
