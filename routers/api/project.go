package api

import (
	"net/http"

	"StoryFlow-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateProject inserts the project together with its pending stage rows in
// pipeline order.
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	project := models.Project{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Status: models.ProjectStatusDraft,
	}
	if err := h.Store.CreateProject(c.Request.Context(), &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create project failed: " + err.Error()})
		return
	}

	stages, err := h.Store.ListStages(c.Request.Context(), project.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"stages":  stages,
	})
}

func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := h.Store.GetProject(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + err.Error()})
		return
	}
	stages, err := h.Store.ListStages(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"stages":  stages,
	})
}
