// Package server exposes the job, interaction and management HTTP API.
package server

import (
	"github.com/gin-gonic/gin"

	"github.com/skillrunner/skillrunner/internal/common/httpmw"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/services"
)

// NewRouter builds the gin engine with middleware and all /v1 routes.
func NewRouter(svc *services.Services, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "skill-runner"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing("skill-runner"))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	SetupRoutes(router.Group("/v1"), svc, log)
	return router
}

// SetupRoutes configures the job-runner API routes.
func SetupRoutes(router *gin.RouterGroup, svc *services.Services, log *logger.Logger) {
	handler := NewHandler(svc, log)

	router.POST("/jobs", handler.SubmitJob)
	router.POST("/temp-skill-runs", handler.SubmitTempSkillRun)

	// Temp-skill runs share the job surface; both prefixes resolve the same
	// request IDs.
	for _, group := range []*gin.RouterGroup{
		router.Group("/jobs/:requestId"),
		router.Group("/temp-skill-runs/:requestId"),
	} {
		group.POST("/start", handler.StartJob)
		group.POST("/upload", handler.UploadPackage)
		group.GET("", handler.GetJob)
		group.POST("/cancel", handler.CancelJob)

		group.GET("/interaction/pending", handler.GetPendingInteraction)
		group.POST("/interaction/reply", handler.SubmitInteractionReply)

		group.GET("/events", handler.StreamEvents)
		group.GET("/ws", handler.StreamEventsWS)
		group.GET("/events/history", handler.GetEventHistory)
		group.GET("/logs/range", handler.GetLogRange)
		group.GET("/result", handler.GetResult)
		group.GET("/artifacts", handler.GetArtifacts)
		group.GET("/preview", handler.PreviewFile)
		group.GET("/bundle", handler.DownloadBundle)
	}

	mgmt := router.Group("/management")
	{
		mgmt.GET("/skills", handler.ListSkills)
		mgmt.GET("/skills/:skillId", handler.GetSkill)
		mgmt.GET("/engines", handler.ListEngines)
		mgmt.POST("/engines/import-credentials", handler.ImportCredentials)
		mgmt.GET("/runs", handler.ListRuns)
		mgmt.GET("/concurrency", handler.GetConcurrency)
		mgmt.GET("/models", handler.ListModels)
		mgmt.POST("/models/:engine/pin", handler.PinModels)
		mgmt.DELETE("/models/:engine/pin", handler.UnpinModels)
		mgmt.POST("/cleanup/sweep", handler.RunCleanupSweep)
		mgmt.POST("/cleanup/clear-all", handler.ClearAll)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
