// Package api wires together all HTTP routes for the storage adapter gateway.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated process probes.
//   - /api/v1/adapters/types is the public adapter catalog.
//   - Every other /api/v1 route requires a bearer token and is rate limited
//     per user. Uploads draw from a separate, smaller budget.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/datashelf/gateway/internal/api/adapters"
	"github.com/datashelf/gateway/internal/api/files"
	"github.com/datashelf/gateway/internal/api/users"
	"github.com/datashelf/gateway/internal/config"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

// Version is reported by /version; cmd/server overrides it at link time.
var Version = "dev"

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the long-lived objects the router serves from.
type Dependencies struct {
	Gateway *gateway.Gateway
	Tokens  middleware.TokenValidator
	DB      Pinger
	// Redis is optional; when set, rate limits are shared through it.
	Redis *redis.Client
}

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) calls Shutdown after the HTTP server has
// drained.
type BackgroundServices struct {
	rateLimiters []middleware.Limiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	middleware.StopLimiters(bg.rateLimiters...)
	slog.Info("background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	router.MaxMultipartMemory = 8 << 20
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default(), "/health", "/ready"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Redis))
	router.GET("/version", versionHandler())

	adapterHandlers := adapters.NewHandlers(deps.Gateway)
	fileHandlers := files.NewHandlers(deps.Gateway, cfg.Uploads)
	statsHandler := users.NewStatsHandler(deps.Gateway)

	v1 := router.Group("/api/v1")
	v1.GET("/adapters/types", adapterHandlers.ListTypes)

	authed := v1.Group("")
	authed.Use(middleware.AuthMiddleware(deps.Tokens, deps.Gateway))

	var uploadLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		var shared redis.UniversalClient
		if deps.Redis != nil {
			shared = deps.Redis
		}
		general := middleware.NewLimiter(shared, "datashelf:rl:api:", middleware.RateLimitConfigFrom(cfg.RateLimit))
		uploads := middleware.NewLimiter(shared, "datashelf:rl:upload:", middleware.UploadRateLimitConfigFrom(cfg.RateLimit))
		bg.rateLimiters = append(bg.rateLimiters, general, uploads)

		authed.Use(middleware.RateLimitMiddleware(general))
		uploadLimit = middleware.RateLimitMiddleware(uploads)
		slog.Info("rate limiting enabled", "distributed", shared != nil,
			"requests_per_minute", general.Limit(), "uploads_per_minute", uploads.Limit())
	}

	adapterHandlers.RegisterRoutes(authed.Group("/adapters"))
	fileHandlers.RegisterRoutes(authed.Group("/files"), uploadLimit)
	authed.GET("/users/stats", statsHandler.GetStats)

	return router, bg
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler also checks Redis when distributed rate limiting is on, so
// a replica that cannot reach the shared limiter is taken out of rotation.
func readinessHandler(db Pinger, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
