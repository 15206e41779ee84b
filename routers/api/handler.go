package api

import (
	"errors"
	"net/http"
	"time"

	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
)

// Handler carries the wired services for all API endpoints.
type Handler struct {
	Pipeline   *service.PipelineController
	Workflow   *service.WorkflowController
	Store      service.StageStateStore
	Dispatcher service.TaskDispatcher
	Publisher  service.ProgressPublisher

	StreamPool    *ants.Pool
	StreamTimeout time.Duration
}

// abortWithError maps the service error taxonomy onto HTTP codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrDispatch):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
