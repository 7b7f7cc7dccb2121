package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/entityscoped/ragserver/pkg/models"
)

type chunkRequest struct {
	DocID           string         `json:"doc_id" binding:"required"`
	Content         string         `json:"content" binding:"required"`
	ChunkOrderIndex int            `json:"chunk_order_index"`
	Source          string         `json:"source"`
	Metadata        map[string]any `json:"metadata"`
}

func (r chunkRequest) toChunk(entityID string) models.Chunk {
	return models.Chunk{
		ChunkID:         models.ChunkID(r.DocID, r.ChunkOrderIndex),
		DocID:           r.DocID,
		EntityID:        entityID,
		ChunkOrderIndex: r.ChunkOrderIndex,
		Content:         r.Content,
		Source:          r.Source,
		Metadata:        r.Metadata,
	}
}

// IngestChunk handles POST /api/entities/:id/chunks — a single
// pre-chunked record.
func (s *Server) IngestChunk(c *gin.Context) {
	entityID := c.Param("id")

	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	result, err := s.mgr.IngestChunks(c.Request.Context(), entityID, req.DocID, []models.Chunk{req.toChunk(entityID)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type chunksBatchRequest struct {
	DocID  string         `json:"doc_id" binding:"required"`
	Chunks []chunkRequest `json:"chunks" binding:"required"`
}

// IngestChunksBatch handles POST /api/entities/:id/chunks/batch. Every
// chunk in the batch must share doc_id; a mismatch is a validation error.
func (s *Server) IngestChunksBatch(c *gin.Context) {
	entityID := c.Param("id")

	var req chunksBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if len(req.Chunks) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "chunks must be non-empty"})
		return
	}

	chunks := make([]models.Chunk, 0, len(req.Chunks))
	for _, cr := range req.Chunks {
		if cr.DocID != "" && cr.DocID != req.DocID {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "mismatched doc_id across batch"})
			return
		}
		cr.DocID = req.DocID
		chunks = append(chunks, cr.toChunk(entityID))
	}

	result, err := s.mgr.IngestChunks(c.Request.Context(), entityID, req.DocID, chunks)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
