// Package users implements per-user endpoints under /api/v1/users.
package users

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/api/apierr"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

// StatsService is implemented by *gateway.Gateway.
type StatsService interface {
	Stats(ctx context.Context, ownerID uuid.UUID) (*gateway.Stats, error)
}

// StatsHandler serves the caller's usage summary
type StatsHandler struct {
	svc StatsService
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(svc StatsService) *StatsHandler {
	return &StatsHandler{svc: svc}
}

// @Summary      User statistics
// @Description  Adapter count, operations in the last 30 days, operations by kind and storage use for the caller.
// @Tags         Users
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "user, stats"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/users/stats [get]
func (h *StatsHandler) GetStats(c *gin.Context) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return
	}
	stats, err := h.svc.Stats(c.Request.Context(), owner)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	user := gin.H{
		"id":                owner,
		"storageUsed":       stats.Storage.Used,
		"storageLimit":      stats.Storage.Limit,
		"storagePercentage": stats.Storage.Percentage,
	}
	if email := c.GetString(middleware.EmailKey); email != "" {
		user["email"] = email
	}
	c.JSON(http.StatusOK, gin.H{
		"user":  user,
		"stats": stats,
	})
}
