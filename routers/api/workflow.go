package api

import (
	"net/http"

	"StoryFlow-server/workflow"

	"github.com/gin-gonic/gin"
)

type graphRequest struct {
	Nodes []workflow.GraphNode `json:"nodes"`
	Edges []workflow.GraphEdge `json:"edges"`
}

// SaveWorkflowGraph upserts the project's node graph.
// POST /v1/api/projects/:project_id/workflow
func (h *Handler) SaveWorkflowGraph(c *gin.Context) {
	projectID := c.Param("project_id")
	var req graphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := h.Workflow.SaveGraph(c.Request.Context(), projectID, req.Nodes, req.Edges)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": g})
}

// GET /v1/api/projects/:project_id/workflow
func (h *Handler) GetWorkflowGraph(c *gin.Context) {
	projectID := c.Param("project_id")
	g, err := h.Workflow.GetGraph(c.Request.Context(), projectID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": g})
}

// ValidateWorkflow checks node types and acyclicity without running.
// POST /v1/api/projects/:project_id/workflow/validate
func (h *Handler) ValidateWorkflow(c *gin.Context) {
	var req graphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.Workflow.Validate(c.Request.Context(), req.Nodes, req.Edges))
}

// ExecuteWorkflow creates an execution record and submits the run.
// POST /v1/api/projects/:project_id/workflow/execute
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	projectID := c.Param("project_id")
	start, err := h.Workflow.Execute(c.Request.Context(), projectID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, start)
}

// GET /v1/api/workflow/executions/:execution_id
func (h *Handler) GetExecution(c *gin.Context) {
	rec, err := h.Store.GetExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": rec})
}

// POST /v1/api/workflow/executions/:execution_id/pause
func (h *Handler) PauseExecution(c *gin.Context) {
	rec, err := h.Workflow.PauseExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": rec})
}

// POST /v1/api/workflow/executions/:execution_id/resume
func (h *Handler) ResumeExecution(c *gin.Context) {
	start, err := h.Workflow.ResumeExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, start)
}
