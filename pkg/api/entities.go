package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createEntityRequest struct {
	ID          string         `json:"id" binding:"required"`
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// CreateEntity handles POST /api/entities.
func (s *Server) CreateEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entity, err := s.mgr.CreateEntity(c.Request.Context(), req.ID, req.Name, req.Description, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// ListEntities handles GET /api/entities.
func (s *Server) ListEntities(c *gin.Context) {
	entities, err := s.mgr.ListEntities(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entities)
}

// GetEntity handles GET /api/entities/:id.
func (s *Server) GetEntity(c *gin.Context) {
	entity, err := s.mgr.GetEntity(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// DeleteEntity handles DELETE /api/entities/:id.
func (s *Server) DeleteEntity(c *gin.Context) {
	if err := s.mgr.DeleteEntity(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
