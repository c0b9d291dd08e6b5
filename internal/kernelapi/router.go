package kernelapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/lifecycle"
)

// SetupRoutes configures the kernel control surface routes (spec.md
// §6) and the event-stream websocket endpoint.
func SetupRoutes(router *gin.RouterGroup, k *lifecycle.Kernel, version string, log *logger.Logger) {
	handler := NewHandler(k, version, log)
	stream := NewStreamHandler(k, log)

	kernel := router.Group("/kernel")
	{
		kernel.GET("/status", handler.GetStatus)
		kernel.POST("/pause", handler.Pause)
		kernel.POST("/resume", handler.Resume)
		kernel.POST("/shutdown", handler.Shutdown)
	}

	router.POST("/events", handler.SubmitEvent)
	router.GET("/events/stream", stream.StreamEvents)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("/:taskId/status", handler.GetTaskStatus)
		tasks.POST("/:taskId/cancel", handler.CancelTask)
	}

	caps := router.Group("/capabilities")
	{
		caps.POST("/grant", handler.GrantCapability)
		caps.GET("/check", handler.CheckCapability)
	}

	plans := router.Group("/plans")
	{
		plans.POST("", handler.SubmitPlan)
		plans.GET("/:planId/status", handler.GetPlanStatus)
		plans.POST("/:planId/approve", handler.ApprovePlan)
		plans.POST("/:planId/reject", handler.RejectPlan)
	}
}
