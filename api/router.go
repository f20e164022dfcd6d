package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchmux/config"
	"watchmux/job"
)

// SetupRouter builds the read-only status surface. Files enter the
// pipeline through the watched directory, never over HTTP.
func SetupRouter(coord *job.Coordinator, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(coord)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
	}
	return r
}
