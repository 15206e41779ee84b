package routers

import (
	"StoryFlow-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)

		v1.POST("/projects/:project_id/stages/:stage_name/execute", h.ExecuteStage)
		v1.POST("/projects/:project_id/stages/:stage_name/retry", h.RetryStage)
		v1.POST("/projects/:project_id/stages/:stage_name/rollback", h.RollbackStage)
		v1.POST("/projects/:project_id/pause", h.PauseProject)
		v1.POST("/projects/:project_id/resume", h.ResumeProject)
		v1.GET("/tasks/:task_id", h.GetTaskStatus)

		v1.GET("/projects/:project_id/stream", h.StreamSSE)
		v1.GET("/projects/:project_id/stream/:stage_name", h.StreamSSE)

		v1.POST("/projects/:project_id/workflow", h.SaveWorkflowGraph)
		v1.GET("/projects/:project_id/workflow", h.GetWorkflowGraph)
		v1.POST("/projects/:project_id/workflow/validate", h.ValidateWorkflow)
		v1.POST("/projects/:project_id/workflow/execute", h.ExecuteWorkflow)
		v1.GET("/workflow/executions/:execution_id", h.GetExecution)
		v1.POST("/workflow/executions/:execution_id/pause", h.PauseExecution)
		v1.POST("/workflow/executions/:execution_id/resume", h.ResumeExecution)
	}
	r.GET("/projects/:project_id/ws", h.StreamWebSocket)
	r.GET("/projects/:project_id/ws/:stage_name", h.StreamWebSocket)
	return r
}
