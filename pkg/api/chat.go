package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Stream    bool   `json:"stream"`
}

// Chat handles POST /api/chat. The turn always runs to completion under
// the session's lock before a response is available; when stream=true the
// full result is delivered as a single server-sent event rather than
// token-by-token, since the orchestrator's Converse contract yields its
// terminal event only after accumulating the whole turn.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.mgr.ChatSessionConverse(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	if !req.Stream {
		c.JSON(http.StatusOK, result)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", mustJSON(result))
	fmt.Fprint(c.Writer, "event: done\ndata: {}\n\n")
	c.Writer.Flush()
}
