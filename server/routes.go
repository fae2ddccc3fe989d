package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all HTTP routes. staticPath serves the built
// frontend under /ui when it exists.
func SetupRoutes(router *gin.Engine, h *Handlers, staticPath string) {
	router.Use(RecoveryMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(CORSMiddleware(LoadCORSConfigFromEnv()))
	router.Use(LoggingMiddleware())
	router.Use(ErrorHandlingMiddleware())

	// Push transports take identity from the query string as well.
	router.GET("/ws", IdentityMiddleware(true), h.WebSocketHandler)

	api := router.Group("/api")
	{
		api.GET("/health", h.HealthHandler)
		api.GET("/events", IdentityMiddleware(true), h.EventsHandler)

		authed := api.Group("")
		authed.Use(IdentityMiddleware(false), RequestValidationMiddleware())
		{
			authed.GET("/targets", h.TargetsHandler)
			authed.GET("/providers/:key/models", h.ProviderModelsHandler)

			authed.POST("/benchmark", h.StartBenchmarkHandler)
			authed.POST("/eval", h.StartEvalHandler)

			authed.POST("/jobs/cancel", h.CancelJobsHandler)
			authed.GET("/jobs", h.ListJobsHandler)
			authed.GET("/jobs/:jobId", h.GetJobHandler)

			authed.GET("/leaderboard/benchmark", h.BenchmarkLeaderboardHandler)
			authed.GET("/leaderboard/tools", h.ToolLeaderboardHandler)

			authed.GET("/results/benchmark/:id", h.BenchmarkRecordHandler)
			authed.GET("/results/eval/:id", h.EvalRecordHandler)
			authed.GET("/experiments/:name/best", h.BestScoreHandler)

			admin := authed.Group("/admin")
			admin.Use(AdminOnly())
			{
				admin.PUT("/users/:userId/limits", h.SetLimitsHandler)
				admin.DELETE("/users/:userId", h.DeleteUserHandler)
				admin.POST("/alerts", h.AlertHandler)
			}
		}
	}

	if staticPath == "" {
		staticPath = "dist"
	}
	router.GET("/", func(c *gin.Context) {
		if _, err := os.Stat(filepath.Join(staticPath, "index.html")); err != nil {
			c.JSON(http.StatusOK, gin.H{
				"message": "LLM Benchmark Studio API",
				"version": Version,
				"status":  "ok",
				"endpoints": gin.H{
					"health":      "/api/health",
					"targets":     "/api/targets",
					"benchmark":   "/api/benchmark",
					"eval":        "/api/eval",
					"jobs":        "/api/jobs",
					"leaderboard": "/api/leaderboard/benchmark",
					"events":      "/api/events",
					"websocket":   "/ws",
				},
			})
			return
		}
		c.Redirect(http.StatusMovedPermanently, "/ui/")
	})
	router.StaticFS("/ui", http.Dir(staticPath))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			errorJSON(c, http.StatusNotFound, "The requested endpoint does not exist")
			return
		}
		errorJSON(c, http.StatusNotFound, "The requested resource does not exist")
	})
}
