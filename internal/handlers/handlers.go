// Package handlers contains the HTTP surface: health and scheduler
// control, subscriber management, and the enrichment side-channel API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/metrics"
	"listing-radar-go/internal/models"
	"listing-radar-go/internal/repository"
	"listing-radar-go/internal/scheduler"
	"listing-radar-go/internal/sources"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db        *gorm.DB
	repo      *repository.Repository
	registry  *sources.Registry
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	enrich    config.EnrichConfig
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, repo *repository.Repository, registry *sources.Registry, s *scheduler.Scheduler, m *metrics.Metrics, enrich config.EnrichConfig) *Handlers {
	return &Handlers{db: db, repo: repo, registry: registry, scheduler: s, metrics: m, enrich: enrich}
}

// SetupRoutes registers all routes on the router.
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/health", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	{
		// Subscribers and their searches
		api.POST("/subscribers", h.CreateSubscriber)
		api.POST("/subscribers/:id/searches", h.AddSearch)
		api.DELETE("/subscribers/:id/searches/:search_id", h.RemoveSearch)

		// Scheduler control
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}

	// Enrichment side channel, key-guarded
	market := router.Group("/market", h.requireAPIKey())
	{
		market.GET("/unprocessed", h.GetUnprocessed)
		market.POST("/:content_id/enriched", h.SubmitEnrichment)
		market.GET("/:content_id", h.GetContent)
	}
}

// requireAPIKey guards the enrichment routes with a shared secret.
func (h *Handlers) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != h.enrich.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error:   "unauthorized",
				Message: "Missing or invalid API key",
				Code:    http.StatusUnauthorized,
			})
			return
		}
		c.Next()
	}
}
