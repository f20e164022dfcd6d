package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"watchmux/job"
)

type Handler struct {
	coord *job.Coordinator
}

func NewHandler(coord *job.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// handleListJobs lists active jobs and the recent terminal history.
func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Jobs())
}

// handleGetJob retrieves one job by ID.
func (h *Handler) handleGetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	snap, found := h.coord.Get(jobID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
