// Package models holds the shared data-model types for the entity-scoped
// research service: entities, documents, chunks, sessions, tasks, and the
// derived knowledge-graph view over chunks.
package models

import "fmt"

// TaskType distinguishes the two kinds of asynchronous work the Manager
// schedules.
type TaskType string

const (
	TaskTypeUpload TaskType = "upload"
	TaskTypeChat   TaskType = "chat"
)

// TaskStatus is the lifecycle state of a Task. Terminal states
// (Completed, Failed) are immutable once set.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Entity is a namespace (typically a company) isolating documents, chunks,
// a vector index, and chat sessions.
type Entity struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Dir               string         `json:"dir"`
	CreatedAt         string         `json:"created_at"`
	DocumentsCount    int            `json:"documents_count"`
	ChunkCount        int            `json:"chunk_count"`
	SessionsCount     int            `json:"sessions_count"`
	EstimatedCostUSD  float64        `json:"estimated_cost_usd"`
	LastAccessed      string         `json:"last_accessed,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Description       string         `json:"description,omitempty"`
	DeletedAt         string         `json:"deleted_at,omitempty"`
}

// Document is a source file shared across zero or more entities via
// EntityIDs. Two ingests with the same ContentHash within the same entity
// are deduplicated to a single Document record.
type Document struct {
	DocID       string         `json:"doc_id"`
	DocName     string         `json:"doc_name"`
	DocPath     string         `json:"doc_path"`
	ContentHash string         `json:"content_hash"`
	FileSize    int64          `json:"file_size"`
	IndexedAt   string         `json:"indexed_at"`
	EntityIDs   []string       `json:"entity_ids"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of a document's text with a stable,
// 0-based, dense ChunkOrderIndex per (EntityID, DocID).
type Chunk struct {
	ChunkID         string         `json:"chunk_id"`
	DocID           string         `json:"doc_id"`
	EntityID        string         `json:"entity_id"`
	ChunkOrderIndex int            `json:"chunk_order_index"`
	Content         string         `json:"content"`
	Source          string         `json:"source,omitempty"`
	Pages           []int          `json:"pages,omitempty"`
	Tokens          int            `json:"tokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ChunkID builds the canonical chunk id for a (doc, order) pair.
func ChunkID(docID string, orderIndex int) string {
	return fmt.Sprintf("chunk_%s_%d", docID, orderIndex)
}

// Utterance is one turn of a session's conversation history.
type Utterance struct {
	Role              string   `json:"role"` // user | assistant | system
	Content           string   `json:"content"`
	Timestamp         string   `json:"timestamp"`
	TaskID            string   `json:"task_id,omitempty"`
	NodeIDs           []string `json:"node_ids,omitempty"`
	RelationshipIDs   []string `json:"relationship_ids,omitempty"`
	CitedNodeIDs      []string `json:"cited_node_ids,omitempty"`
	ServicesUsed      []any    `json:"services_used,omitempty"`
	EstimatedCostUSD  float64  `json:"estimated_cost_usd,omitempty"`
}

// Session is a stateful chat bound to one entity.
type Session struct {
	SessionID           string         `json:"session_id"`
	EntityID             string         `json:"entity_id"`
	EntityName           string         `json:"entity_name"`
	EntityDir            string         `json:"entity_dir"`
	CreatedAt            string         `json:"created_at"`
	LastAccessed         string         `json:"last_accessed"`
	MessageCount         int            `json:"message_count"`
	EstimatedCostUSD     float64        `json:"estimated_cost_usd"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	ConversationHistory  []Utterance    `json:"conversation_history"`
}

// Task is an asynchronous unit of work (upload or chat turn) that always
// reaches a terminal status.
type Task struct {
	TaskID              string         `json:"task_id"`
	TaskType            TaskType       `json:"task_type"`
	Status              TaskStatus     `json:"status"`
	CreatedAt           string         `json:"created_at"`
	ProcessingStartedAt string         `json:"processing_started_at,omitempty"`
	CompletedAt         string         `json:"completed_at,omitempty"`
	EntityID            string         `json:"entity_id"`
	EstimatedCostUSD    float64        `json:"estimated_cost_usd"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	Fields              map[string]any `json:"fields,omitempty"` // type-specific fields (doc_id, chunks_count, is_duplicate, ...)
}

// KnowledgeGraphNode is a derived graph view of one chunk.
type KnowledgeGraphNode struct {
	ID         string         `json:"id"`
	NodeLabel  string         `json:"nodeLabel"`
	Properties map[string]any `json:"properties"`
}

// KnowledgeGraphRelationship is a derived edge between two chunks used
// together (sequential neighbors, or a citation reference).
type KnowledgeGraphRelationship struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
}

// KnowledgeGraph is the full response payload for a knowledge-graph query
// over one or more entities.
type KnowledgeGraph struct {
	Nodes              []KnowledgeGraphNode         `json:"nodes"`
	Relationships      []KnowledgeGraphRelationship `json:"relationships"`
	TotalNodes         int                          `json:"total_nodes"`
	TotalRelationships int                          `json:"total_relationships"`
	EntityIDs          []string                     `json:"entity_ids"`
}

// NodeID builds the canonical knowledge-graph node id for a chunk.
func NodeID(entityID, docID string, orderIndex int) string {
	return fmt.Sprintf("%s_%s_%d", entityID, docID, orderIndex)
}

// RelationshipID builds the canonical relationship id between two nodes.
func RelationshipID(sourceNodeID, targetNodeID string) string {
	return fmt.Sprintf("%s:%s", sourceNodeID, targetNodeID)
}
