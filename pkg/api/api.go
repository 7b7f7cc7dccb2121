// Package api wires the Manager orchestrator to a thin gin HTTP surface.
// Handlers translate requests into Manager calls and Manager errors into
// the fixed NotFound/Conflict/Validation status-code mapping; they hold
// no business logic of their own.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/entityscoped/ragserver/pkg/manager"
)

// mustJSON marshals v, falling back to an empty object on (unexpected)
// failure rather than writing a malformed SSE frame.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Server adapts manager.Manager to HTTP.
type Server struct {
	mgr *manager.Manager
}

// NewServer builds a Server bound to mgr.
func NewServer(mgr *manager.Manager) *Server {
	return &Server{mgr: mgr}
}

// Register attaches every route to router.
func (s *Server) Register(router *gin.Engine) {
	router.GET("/health", s.Health)

	api := router.Group("/api")
	{
		api.POST("/entities", s.CreateEntity)
		api.GET("/entities", s.ListEntities)
		api.GET("/entities/:id", s.GetEntity)
		api.DELETE("/entities/:id", s.DeleteEntity)

		api.POST("/entities/:id/files", s.UploadFile)
		api.GET("/entities/:id/files", s.ListFiles)

		api.POST("/entities/:id/chunks", s.IngestChunk)
		api.POST("/entities/:id/chunks/batch", s.IngestChunksBatch)

		api.GET("/tasks/:id", s.GetTask)

		api.POST("/chat/sessions", s.CreateChatSession)
		api.GET("/entities/:id/sessions", s.ListSessions)
		api.DELETE("/chat/sessions/:id", s.DeleteChatSession)
		api.GET("/chat/sessions/:id/messages", s.GetSessionMessages)

		api.POST("/chat", s.Chat)

		api.GET("/knowledge-graph", s.KnowledgeGraph)
	}
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps a Manager error to its fixed HTTP status code.
func writeError(c *gin.Context, err error) {
	var mErr *manager.Error
	if errors.As(err, &mErr) {
		switch mErr.Kind {
		case manager.KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": mErr.Message})
		case manager.KindConflict:
			c.JSON(http.StatusConflict, gin.H{"error": mErr.Message})
		case manager.KindValidation:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": mErr.Message})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": mErr.Message})
		}
		return
	}
	if errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
