package api

import (
	"net/http"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
)

// ExecuteStage dispatches one pipeline stage.
// POST /v1/api/projects/:project_id/stages/:stage_name/execute
func (h *Handler) ExecuteStage(c *gin.Context) {
	projectID := c.Param("project_id")
	stageName := c.Param("stage_name")

	var req struct {
		InputData    models.JSONMap `json:"input_data"`
		UseStreaming bool           `json:"use_streaming"`
		UserID       string         `json:"user_id"`
	}
	// body is optional: an empty body reuses the stage's stored input
	_ = c.ShouldBindJSON(&req)

	result, err := h.Pipeline.ExecuteStage(c.Request.Context(), projectID, stageName, req.InputData, req.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Pause cancels live stage jobs and parks the project.
// POST /v1/api/projects/:project_id/pause
func (h *Handler) PauseProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, cancelled, err := h.Pipeline.Pause(c.Request.Context(), projectID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":         project,
		"cancelled_tasks": cancelled,
		"cancelled_count": len(cancelled),
	})
}

// Resume continues from the interrupted stage.
// POST /v1/api/projects/:project_id/resume
func (h *Handler) ResumeProject(c *gin.Context) {
	projectID := c.Param("project_id")
	result, err := h.Pipeline.Resume(c.Request.Context(), projectID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RetryStage redispatches a failed stage with its stored input.
// POST /v1/api/projects/:project_id/stages/:stage_name/retry
func (h *Handler) RetryStage(c *gin.Context) {
	projectID := c.Param("project_id")
	stageName := c.Param("stage_name")
	result, err := h.Pipeline.RetryStage(c.Request.Context(), projectID, stageName)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stage":   result.Stage,
		"task_id": result.TaskID,
		"channel": result.Channel,
	})
}

// RollbackStage resets the stage and everything after it.
// POST /v1/api/projects/:project_id/stages/:stage_name/rollback
func (h *Handler) RollbackStage(c *gin.Context) {
	projectID := c.Param("project_id")
	stageName := c.Param("stage_name")
	reset, err := h.Pipeline.RollbackStage(c.Request.Context(), projectID, stageName)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"reset_stages": reset,
		"status":       models.ProjectStatusDraft,
	})
}

// GetTaskStatus reports the queue-level state of a job handle.
// GET /v1/api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	state, err := h.Pipeline.TaskStatus(c.Request.Context(), taskID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"state":   externalState(state),
	})
}

// externalState keeps the wire values clients already parse.
func externalState(s service.JobState) string {
	switch s {
	case service.JobStateRunning:
		return "started"
	case service.JobStateRetrying:
		return "retry"
	default:
		return string(s)
	}
}
