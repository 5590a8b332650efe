package router

import (
	"github.com/gin-gonic/gin"

	"github.com/synle/note-synchronizer-sub000/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	ops := handler.NewOpsHandler(deps)

	// Health check endpoint
	r.GET("/health", ops.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/queues", ops.GetQueueStats)

		threads := v1.Group("/threads")
		{
			threads.GET("/:thread_id", ops.GetThreadJob)
			threads.POST("/enqueue", ops.EnqueueThreads)
		}

		v1.POST("/jobs/restart-errors", ops.RestartErrors)
	}

	return r
}
