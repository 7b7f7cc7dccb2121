package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createSessionRequest struct {
	EntityID string         `json:"entity_id" binding:"required"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// CreateChatSession handles POST /api/chat/sessions.
func (s *Server) CreateChatSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.mgr.CreateChatSession(c.Request.Context(), req.EntityID, req.Name, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListSessions handles GET /api/entities/:id/sessions.
func (s *Server) ListSessions(c *gin.Context) {
	sessions, err := s.mgr.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// DeleteChatSession handles DELETE /api/chat/sessions/:id.
func (s *Server) DeleteChatSession(c *gin.Context) {
	if err := s.mgr.DeleteChatSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetSessionMessages handles GET /api/chat/sessions/:id/messages.
func (s *Server) GetSessionMessages(c *gin.Context) {
	messages, err := s.mgr.GetSessionMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}
