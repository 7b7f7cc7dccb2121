package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// KnowledgeGraph handles GET /api/knowledge-graph?entity_ids=a,b,c.
func (s *Server) KnowledgeGraph(c *gin.Context) {
	raw := c.Query("entity_ids")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity_ids is required"})
		return
	}
	entityIDs := strings.Split(raw, ",")

	graph, err := s.mgr.GetKnowledgeGraph(c.Request.Context(), entityIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}
