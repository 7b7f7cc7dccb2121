package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// UploadFile handles POST /api/entities/:id/files (multipart), returning
// the created task's descriptor immediately — ingestion runs on the
// bounded worker pool.
func (s *Server) UploadFile(c *gin.Context) {
	entityID := c.Param("id")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field \"file\""})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := c.PostForm("source")

	task, err := s.mgr.UploadFile(c.Request.Context(), entityID, fileHeader.Filename, data, source)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListFiles handles GET /api/entities/:id/files.
func (s *Server) ListFiles(c *gin.Context) {
	docs, err := s.mgr.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}
