package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/vigil/internal/common/logger"
)

// NewRouter returns a gin engine with the standard middleware chain.
func NewRouter(log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), OtelTracing("vigil-api"), RequestLogger(log), CORS(), ErrorHandler(log))
	return router
}

// SetupRoutes configures the API routes
// router should be the /api/v1 group
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.GET("/health", handler.Health)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("", handler.CreateAgent)
		agents.GET("/:id", handler.GetAgent)
		agents.PATCH("/:id", handler.UpdateAgent)
		agents.DELETE("/:id", handler.DeleteAgent)

		agents.POST("/:id/pause", handler.PauseAgent)
		agents.POST("/:id/resume", handler.ResumeAgent)
		agents.POST("/:id/trigger", handler.TriggerAgent)
	}

	detections := router.Group("/detections")
	{
		detections.GET("", handler.ListDetections)
		detections.DELETE("", handler.ClearDetections)
		detections.DELETE("/:id", handler.DeleteDetection)
	}

	router.GET("/devices", handler.ListDevices)
	router.GET("/backend/capabilities", handler.GetCapabilities)
}
