package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamSSE streams progress events as SSE frames. A subscription with a
// stage name ends after done/error (plus stream_end); the project-wide one
// runs until the idle timeout.
// GET /v1/api/projects/:project_id/stream[/:stage_name]
func (h *Handler) StreamSSE(c *gin.Context) {
	projectID := c.Param("project_id")
	stageName := c.Param("stage_name")

	events, err := h.Publisher.Subscribe(c.Request.Context(), projectID, stageName, h.StreamTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	done := make(chan struct{})

	err = h.StreamPool.Submit(func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			case <-clientGone:
				return
			}
		}
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	<-done
}

// StreamWebSocket pushes the same event stream over a websocket.
// GET /projects/:project_id/ws[/:stage_name]
func (h *Handler) StreamWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	stageName := c.Param("stage_name")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	events, err := h.Publisher.Subscribe(c.Request.Context(), projectID, stageName, h.StreamTimeout)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Str("project", projectID).Msg("websocket write failed")
			return
		}
	}
}
