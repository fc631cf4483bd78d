// Package adapters implements the /api/v1/adapters handlers: CRUD over a
// caller's storage adapter configurations plus connectivity tests.
package adapters

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/api/apierr"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/gateway"
)

// Service is the slice of *gateway.Gateway these handlers use.
type Service interface {
	AdapterTypes() []adapter.TypeInfo
	CreateAdapter(ctx context.Context, ownerID uuid.UUID, in gateway.CreateAdapterInput) (*models.AdapterConfig, error)
	GetAdapter(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error)
	ListAdapters(ctx context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error)
	UpdateAdapter(ctx context.Context, ownerID, id uuid.UUID, in gateway.UpdateAdapterInput) (*models.AdapterConfig, error)
	DeleteAdapter(ctx context.Context, ownerID, id uuid.UUID) error
	TestAdapter(ctx context.Context, ownerID, id uuid.UUID) error
	SetDefaultAdapter(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error)
}

// Handlers serves adapter configuration endpoints
type Handlers struct {
	svc Service
}

// NewHandlers creates adapter handlers backed by svc
func NewHandlers(svc Service) *Handlers {
	return &Handlers{svc: svc}
}

// RegisterRoutes mounts the authenticated handlers on rg (normally
// /api/v1/adapters). The catalog is public and mounted separately.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.ListAdapters)
	rg.POST("", h.CreateAdapter)
	rg.GET("/:id", h.GetAdapter)
	rg.PUT("/:id", h.UpdateAdapter)
	rg.DELETE("/:id", h.DeleteAdapter)
	rg.POST("/:id/test", h.TestAdapter)
	rg.POST("/:id/set-default", h.SetDefaultAdapter)
}

func toResponses(configs []*models.AdapterConfig) []models.AdapterConfigResponse {
	out := make([]models.AdapterConfigResponse, len(configs))
	for i, cfg := range configs {
		out[i] = cfg.ToResponse()
	}
	return out
}

// @Summary      List adapters
// @Description  Returns the caller's adapter configurations without credentials.
// @Tags         Adapters
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "adapters: []AdapterConfigResponse"
// @Router       /api/v1/adapters [get]
func (h *Handlers) ListAdapters(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	configs, err := h.svc.ListAdapters(c.Request.Context(), owner)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"adapters": toResponses(configs)})
}

// @Summary      Adapter catalog
// @Description  Lists every known adapter type with its required credentials.
// @Tags         Adapters
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "supportedTypes: []TypeInfo"
// @Router       /api/v1/adapters/types [get]
func (h *Handlers) ListTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"supportedTypes": h.svc.AdapterTypes()})
}

// @Summary      Create adapter
// @Description  Validates credentials and config, probes the backend, then stores the configuration with encrypted credentials.
// @Tags         Adapters
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  gateway.CreateAdapterInput  true  "Adapter configuration"
// @Success      201  {object}  map[string]interface{}  "message, adapter"
// @Failure      400  {object}  map[string]interface{}  "validation, missing_credentials or unsupported_adapter"
// @Failure      409  {object}  map[string]interface{}  "Duplicate name"
// @Failure      502  {object}  map[string]interface{}  "Backend unreachable"
// @Router       /api/v1/adapters [post]
func (h *Handlers) CreateAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	var in gateway.CreateAdapterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		apierr.Invalid(c, "body", "invalid JSON: "+err.Error())
		return
	}

	cfg, err := h.svc.CreateAdapter(c.Request.Context(), owner, in)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Adapter created successfully",
		"adapter": cfg.ToResponse(),
	})
}

// GetAdapter returns one configuration
// GET /api/v1/adapters/:id
func (h *Handlers) GetAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	id, ok := apierr.ParamUUID(c, "id")
	if !ok {
		return
	}
	cfg, err := h.svc.GetAdapter(c.Request.Context(), owner, id)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"adapter": cfg.ToResponse()})
}

// @Summary      Update adapter
// @Description  Partially updates a configuration. New credentials replace the stored set and are re-validated and probed.
// @Tags         Adapters
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string                      true  "Adapter ID (UUID)"
// @Param        body  body  gateway.UpdateAdapterInput  true  "Fields to change"
// @Success      200  {object}  map[string]interface{}  "message, adapter"
// @Router       /api/v1/adapters/{id} [put]
func (h *Handlers) UpdateAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	id, ok := apierr.ParamUUID(c, "id")
	if !ok {
		return
	}
	var in gateway.UpdateAdapterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		apierr.Invalid(c, "body", "invalid JSON: "+err.Error())
		return
	}

	cfg, err := h.svc.UpdateAdapter(c.Request.Context(), owner, id, in)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Adapter updated successfully",
		"adapter": cfg.ToResponse(),
	})
}

// DeleteAdapter removes a configuration. Its operation records are kept.
// DELETE /api/v1/adapters/:id
func (h *Handlers) DeleteAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	id, ok := apierr.ParamUUID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteAdapter(c.Request.Context(), owner, id); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Adapter deleted successfully"})
}

// TestAdapter probes the backend with the stored credentials.
// POST /api/v1/adapters/:id/test
func (h *Handlers) TestAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	id, ok := apierr.ParamUUID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.TestAdapter(c.Request.Context(), owner, id); err != nil {
		status, body := apierr.Body(err)
		body["success"] = false
		body["message"] = "Connection test failed"
		c.AbortWithStatusJSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Connection test successful",
	})
}

// SetDefaultAdapter makes the configuration the default for its type
// POST /api/v1/adapters/:id/set-default
func (h *Handlers) SetDefaultAdapter(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	id, ok := apierr.ParamUUID(c, "id")
	if !ok {
		return
	}
	cfg, err := h.svc.SetDefaultAdapter(c.Request.Context(), owner, id)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Default adapter updated",
		"adapter": cfg.ToResponse(),
	})
}
