package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTask handles GET /api/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.mgr.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
