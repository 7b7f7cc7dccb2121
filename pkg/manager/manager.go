// Package manager implements the single-instance orchestrator tying
// entity/file/session/task lifecycle together: it delegates ingest to
// the entityrag.Manager via a workerpool.Pool, serializes chat turns via
// a sessionlock.Registry, and persists counters atomically into the
// global ShardedKVStore.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityscoped/ragserver/pkg/agent"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/entityrag"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/models"
	"github.com/entityscoped/ragserver/pkg/sessionlock"
	"github.com/entityscoped/ragserver/pkg/workerpool"
)

const (
	entitiesCollection = "entities"
	sessionsCollection = "sessions"
	tasksCollection    = "tasks"
)

var deletedPrefixPattern = "^\\[DELETED\\]%s_"

// Kind discriminates the orchestrator-level error taxonomy.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
)

// Error is a typed Manager error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("manager: %s: %s", e.Kind, e.Message) }

func notFound(msg string) *Error   { return &Error{Kind: KindNotFound, Message: msg} }
func conflict(msg string) *Error   { return &Error{Kind: KindConflict, Message: msg} }
func validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// LLM is the streaming chat-completions collaborator a ResearchAgent
// needs; re-exported here only as a type alias so callers constructing a
// Manager don't need to import pkg/agent directly for this one type.
type LLM = agent.LLM

// Manager is the process-wide orchestrator. Exactly one instance exists
// per process.
type Manager struct {
	dataDir string
	global  *kvstore.Store
	rag     *entityrag.Manager
	pool    *workerpool.Pool
	sessions *sessionlock.Registry
	meter   *costmeter.Meter
	llm     LLM
	chatModel       string
	chatTemperature float64
	logger  *slog.Logger

	creationMu sync.Mutex
}

// New builds the orchestrator. dataDir is the DATA_DIR root; global is
// the KV store rooted at <dataDir>/storage (sharded=true, per spec §6's
// on-disk layout). chatModel/chatTemperature are the configured
// GPT_MODEL/TEMPERATURE values threaded into every ResearchAgent this
// Manager constructs.
func New(dataDir string, global *kvstore.Store, rag *entityrag.Manager, pool *workerpool.Pool, sessions *sessionlock.Registry, meter *costmeter.Meter, llm LLM, chatModel string, chatTemperature float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dataDir:  dataDir,
		global:   global,
		rag:      rag,
		pool:     pool,
		sessions: sessions,
		meter:    meter,
		llm:      llm,
		chatModel:       chatModel,
		chatTemperature: chatTemperature,
		logger:   logger,
	}
}

func isoNow() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (m *Manager) entityDir(id, createdAt string) string {
	return filepath.Join(m.dataDir, "entities", id+"_"+createdAt)
}

// CreateEntity creates a new entity namespace under the global
// entity_creation_lock, which prevents a TOCTOU race between concurrent
// creates and deletes of the same id.
func (m *Manager) CreateEntity(ctx context.Context, id, name, description string, metadata map[string]any) (*models.Entity, error) {
	m.creationMu.Lock()
	defer m.creationMu.Unlock()

	if _, ok := m.global.FindOne(entitiesCollection, kvstore.Query{"entity_id": id}); ok {
		return nil, conflict(fmt.Sprintf("entity %q already exists", id))
	}

	createdAt := isoNow()
	dir := m.entityDir(id, createdAt)
	if err := os.MkdirAll(filepath.Join(dir, "storage"), 0o755); err != nil {
		return nil, fmt.Errorf("manager: create entity dir: %w", err)
	}

	entity := &models.Entity{
		ID:          id,
		Name:        name,
		Dir:         dir,
		CreatedAt:   createdAt,
		Description: description,
		Metadata:    metadata,
	}
	m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": id}, kvstore.Update{
		Set: entityToDoc(entity),
	}, true)
	return entity, nil
}

// GetEntity looks up an entity by id. When includeDeleted is true and no
// live entity matches, it falls back to the most recently deleted
// tombstone for that id.
func (m *Manager) GetEntity(ctx context.Context, id string, includeDeleted bool) (*models.Entity, error) {
	if doc, ok := m.global.FindOne(entitiesCollection, kvstore.Query{"entity_id": id}); ok {
		return entityFromDoc(doc), nil
	}
	if !includeDeleted {
		return nil, notFound(fmt.Sprintf("entity %q not found", id))
	}

	pattern := fmt.Sprintf(deletedPrefixPattern, regexp.QuoteMeta(id))
	docs := m.global.Find(entitiesCollection, kvstore.Query{"entity_id": map[string]any{"$regex": pattern}}, nil)
	if len(docs) == 0 {
		return nil, notFound(fmt.Sprintf("entity %q not found", id))
	}
	sort.Slice(docs, func(i, j int) bool {
		return fmt.Sprintf("%v", docs[i]["deleted_at"]) > fmt.Sprintf("%v", docs[j]["deleted_at"])
	})
	return entityFromDoc(docs[0]), nil
}

// ListEntities returns every live (non-tombstoned) entity.
func (m *Manager) ListEntities(ctx context.Context) ([]*models.Entity, error) {
	docs := m.global.Find(entitiesCollection, kvstore.Query{}, nil)
	out := make([]*models.Entity, 0, len(docs))
	for _, d := range docs {
		id, _ := d["entity_id"].(string)
		if strings.HasPrefix(id, "[DELETED]") {
			continue
		}
		out = append(out, entityFromDoc(d))
	}
	return out, nil
}

// ListDocuments returns an entity's indexed documents.
func (m *Manager) ListDocuments(ctx context.Context, entityID string) ([]models.Document, error) {
	entity, err := m.GetEntity(ctx, entityID, false)
	if err != nil {
		return nil, err
	}
	store, err := m.rag.GetEntityStore(entityID, entity.Dir)
	if err != nil {
		return nil, err
	}
	return store.GetEntityDocuments(), nil
}

// ListSessions returns every live chat session bound to entityID.
func (m *Manager) ListSessions(ctx context.Context, entityID string) ([]models.Session, error) {
	docs := m.global.Find(sessionsCollection, kvstore.Query{"entity_id": entityID}, nil)
	out := make([]models.Session, 0, len(docs))
	for _, d := range docs {
		id, _ := d["session_id"].(string)
		if strings.HasPrefix(id, "[DELETED]") {
			continue
		}
		out = append(out, sessionFromDoc(d))
	}
	return out, nil
}

// GetTask looks up a task by id.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	doc, ok := m.global.FindOne(tasksCollection, kvstore.Query{"task_id": taskID})
	if !ok {
		return nil, notFound(fmt.Sprintf("task %q not found", taskID))
	}
	return taskFromDoc(doc), nil
}

// GetSessionMessages returns a session's conversation history.
func (m *Manager) GetSessionMessages(ctx context.Context, sessionID string) ([]models.Utterance, error) {
	doc, ok := m.global.FindOne(sessionsCollection, kvstore.Query{"session_id": sessionID})
	if !ok {
		return nil, notFound(fmt.Sprintf("session %q not found", sessionID))
	}
	session := sessionFromDoc(doc)
	return session.ConversationHistory, nil
}

// DeleteEntity tombstones an entity: under the creation lock it deletes
// the live record, re-inserts it under a "[DELETED]<id>_<ts>" id, and
// renames the on-disk directory to match. Outside the lock it
// cascade-deletes the entity's sessions and evicts its cached vector
// store; directory-rename errors are swallowed per the operator's
// log-and-continue failure semantics.
func (m *Manager) DeleteEntity(ctx context.Context, id string) error {
	m.creationMu.Lock()
	doc, ok := m.global.FindOne(entitiesCollection, kvstore.Query{"entity_id": id})
	if !ok {
		m.creationMu.Unlock()
		return notFound(fmt.Sprintf("entity %q not found", id))
	}

	timestamp := isoNow()
	newID := fmt.Sprintf("[DELETED]%s_%s", id, timestamp)
	oldDir, _ := doc["dir"].(string)
	newDir := filepath.Join(m.dataDir, "entities", newID)

	m.global.DeleteOne(entitiesCollection, kvstore.Query{"entity_id": id})
	doc["entity_id"] = newID
	doc["id"] = newID
	doc["deleted_at"] = timestamp
	doc["dir"] = newDir
	m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": newID}, kvstore.Update{Set: doc}, true)
	m.creationMu.Unlock()

	if oldDir != "" {
		if err := os.Rename(oldDir, newDir); err != nil {
			m.logger.Warn("manager: entity directory rename failed", "entity_id", id, "error", err)
		}
	}

	m.global.DeleteMany(sessionsCollection, kvstore.Query{"entity_id": id})
	m.rag.CleanupEntity(id)
	return nil
}

// UploadFile creates a pending upload task and submits the ingest work to
// the bounded worker pool, returning immediately with the task
// descriptor. The worker re-reads the entity fresh (refusing stale or
// deleted entities), ingests via the EntityRAGManager, and atomically
// increments the entity's counters on success.
func (m *Manager) UploadFile(ctx context.Context, entityID, docName string, data []byte, source string) (*models.Task, error) {
	if _, err := m.GetEntity(ctx, entityID, false); err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	now := isoNow()
	task := &models.Task{
		TaskID:    taskID,
		TaskType:  models.TaskTypeUpload,
		Status:    models.TaskStatusPending,
		CreatedAt: now,
		EntityID:  entityID,
		Fields:    map[string]any{"doc_name": docName},
	}
	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": entityID}, kvstore.Update{
		Set: taskToDoc(task),
	}, true)

	m.pool.Submit(func(workCtx context.Context) (any, error) {
		m.runUploadTask(workCtx, taskID, entityID, docName, data, source)
		return nil, nil
	})

	return task, nil
}

func (m *Manager) runUploadTask(ctx context.Context, taskID, entityID, docName string, data []byte, source string) {
	m.setTaskStatus(taskID, entityID, models.TaskStatusProcessing, map[string]any{"processing_started_at": isoNow()})

	entity, err := m.GetEntity(ctx, entityID, false)
	if err != nil {
		m.failTask(taskID, entityID, fmt.Sprintf("entity unavailable: %v", err))
		return
	}
	if _, statErr := os.Stat(entity.Dir); statErr != nil {
		m.failTask(taskID, entityID, fmt.Sprintf("entity directory missing: %v", statErr))
		return
	}

	store, err := m.rag.GetEntityStore(entityID, entity.Dir)
	if err != nil {
		m.failTask(taskID, entityID, err.Error())
		return
	}

	result, err := store.AddDocument(ctx, docName, data, source, nil)
	if err != nil {
		m.failTask(taskID, entityID, err.Error())
		return
	}

	if !result.IsDuplicate {
		m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": entityID}, kvstore.Update{
			Inc: map[string]float64{
				"documents_count":    1,
				"chunk_count":        float64(result.ChunksCount),
				"estimated_cost_usd": result.EstimatedCostUSD,
			},
		}, false)
	}

	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": entityID}, kvstore.Update{
		Set: map[string]any{
			"status":             string(models.TaskStatusCompleted),
			"completed_at":       isoNow(),
			"estimated_cost_usd": result.EstimatedCostUSD,
			"fields": map[string]any{
				"doc_id":       result.DocID,
				"chunks_count": float64(result.ChunksCount),
				"is_duplicate": result.IsDuplicate,
			},
		},
	}, false)
}

func (m *Manager) setTaskStatus(taskID, entityID string, status models.TaskStatus, extra map[string]any) {
	set := map[string]any{"status": string(status)}
	for k, v := range extra {
		set[k] = v
	}
	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": entityID}, kvstore.Update{Set: set}, false)
}

func (m *Manager) failTask(taskID, entityID, message string) {
	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": entityID}, kvstore.Update{
		Set: map[string]any{
			"status":        string(models.TaskStatusFailed),
			"completed_at":  isoNow(),
			"error_message": message,
		},
	}, false)
}

// IngestChunksResult is the outcome of a synchronous pre-chunked batch
// ingest.
type IngestChunksResult struct {
	Total     int
	Indexed   int
	Duplicate int
}

// IngestChunks synchronously ingests externally pre-chunked content,
// skipping any chunk whose id already exists in the entity's chunk
// collection.
func (m *Manager) IngestChunks(ctx context.Context, entityID, docID string, chunks []models.Chunk) (*IngestChunksResult, error) {
	entity, err := m.GetEntity(ctx, entityID, false)
	if err != nil {
		return nil, err
	}
	store, err := m.rag.GetEntityStore(entityID, entity.Dir)
	if err != nil {
		return nil, err
	}

	indexed, duplicate, err := store.AddChunksBatch(ctx, docID, chunks)
	if err != nil {
		return nil, err
	}
	if indexed > 0 {
		m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": entityID}, kvstore.Update{
			Inc: map[string]float64{"chunk_count": float64(indexed)},
		}, false)
	}
	return &IngestChunksResult{Total: len(chunks), Indexed: indexed, Duplicate: duplicate}, nil
}

// DeleteDocument removes a document's chunks/vectors from one entity and
// decrements that entity's counters. This is a supplemented operation
// (spec §3 implies the cascade but spec §4.F's operation list omits a
// Manager-level entry point for it).
func (m *Manager) DeleteDocument(ctx context.Context, entityID, docID string) error {
	entity, err := m.GetEntity(ctx, entityID, false)
	if err != nil {
		return err
	}
	store, err := m.rag.GetEntityStore(entityID, entity.Dir)
	if err != nil {
		return err
	}

	chunksBefore := len(store.GetDocumentChunksInOrder(docID))
	if err := store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if chunksBefore > 0 {
		m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": entityID}, kvstore.Update{
			Inc: map[string]float64{
				"documents_count": -1,
				"chunk_count":     float64(-chunksBefore),
			},
		}, false)
	}
	return nil
}

// CreateChatSession creates a new chat session bound to entityID,
// recorded both globally and in the entity's sidecar session collection,
// incrementing the entity's session count.
func (m *Manager) CreateChatSession(ctx context.Context, entityID, name string, metadata map[string]any) (*models.Session, error) {
	entity, err := m.GetEntity(ctx, entityID, false)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	now := isoNow()
	session := &models.Session{
		SessionID:    sessionID,
		EntityID:     entityID,
		EntityName:   entity.Name,
		EntityDir:    entity.Dir,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     metadata,
	}
	m.global.UpdateOne(sessionsCollection, kvstore.Query{"session_id": sessionID, "entity_id": entityID}, kvstore.Update{
		Set: sessionToDoc(session),
	}, true)

	sidecar := kvstore.New(filepath.Join(entity.Dir, "storage"), false)
	sidecar.UpdateOne(sessionsCollection, kvstore.Query{"session_id": sessionID}, kvstore.Update{
		Set: sessionToDoc(session),
	}, true)

	m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": entityID}, kvstore.Update{
		Inc: map[string]float64{"sessions_count": 1},
	}, false)
	return session, nil
}

// ConverseResult is the terminal outcome of a chat turn.
type ConverseResult struct {
	Response         string
	CitedNodeIDs     []string
	NodeIDs          []string
	RelationshipIDs  []string
	Services         []costmeter.Service
	EstimatedCostUSD float64
}

// ChatSessionConverse runs one chat turn to completion under the
// session's lock, held for append(user) -> stream(assistant) -> persist
// as a single atomic unit — the redesign decision documented in
// DESIGN.md that departs from the narrower lock window of the reference
// this was ported from.
func (m *Manager) ChatSessionConverse(ctx context.Context, sessionID, userMessage string) (*ConverseResult, error) {
	lock := m.sessions.LockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	doc, ok := m.global.FindOne(sessionsCollection, kvstore.Query{"session_id": sessionID})
	if !ok {
		return nil, notFound(fmt.Sprintf("session %q not found", sessionID))
	}
	session := sessionFromDoc(doc)

	entity, err := m.GetEntity(ctx, session.EntityID, false)
	if err != nil {
		return nil, err
	}
	store, err := m.rag.GetEntityStore(session.EntityID, entity.Dir)
	if err != nil {
		return nil, err
	}

	var researchAgent *agent.Agent
	if cached, ok := m.sessions.Get(sessionID); ok {
		researchAgent, _ = cached.(*agent.Agent)
	}
	if researchAgent == nil {
		researchAgent = agent.New(session.EntityID, session.EntityName, session.EntityDir, store, m.llm, m.meter, m.chatModel, m.chatTemperature)
		m.sessions.Put(sessionID, researchAgent)
	}

	taskID := uuid.NewString()
	now := isoNow()
	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": session.EntityID}, kvstore.Update{
		Set: map[string]any{
			"task_id":               taskID,
			"task_type":             string(models.TaskTypeChat),
			"status":                string(models.TaskStatusProcessing),
			"created_at":            now,
			"processing_started_at": now,
			"entity_id":             session.EntityID,
		},
	}, true)

	session.ConversationHistory = append(session.ConversationHistory, models.Utterance{
		Role: "user", Content: userMessage, Timestamp: now, TaskID: taskID,
	})

	transcript := make([]agent.Message, 0, len(session.ConversationHistory))
	for _, u := range session.ConversationHistory {
		transcript = append(transcript, agent.Message{Role: u.Role, Content: u.Content})
	}

	events := researchAgent.Converse(ctx, transcript)
	result := &ConverseResult{}
	var buffer string
	for ev := range events {
		switch ev.Kind {
		case agent.EventDelta:
			buffer += ev.Delta
		case agent.EventUpdate:
			result.NodeIDs = appendUnique(result.NodeIDs, ev.NodeIDs...)
			result.RelationshipIDs = appendUnique(result.RelationshipIDs, ev.RelationshipIDs...)
			result.Services = append(result.Services, ev.Services...)
		case agent.EventUsage:
			result.EstimatedCostUSD += ev.CostUSD
		case agent.EventTerminal:
			result.Response = ev.Content
			result.CitedNodeIDs = ev.CitedNodeIDs
		}
	}
	if result.Response == "" {
		result.Response = buffer
	}

	session.ConversationHistory = append(session.ConversationHistory, models.Utterance{
		Role:             "assistant",
		Content:          result.Response,
		Timestamp:        isoNow(),
		TaskID:           taskID,
		NodeIDs:          result.NodeIDs,
		RelationshipIDs:  result.RelationshipIDs,
		CitedNodeIDs:     result.CitedNodeIDs,
		EstimatedCostUSD: result.EstimatedCostUSD,
	})
	session.MessageCount += 2
	session.LastAccessed = isoNow()
	session.EstimatedCostUSD += result.EstimatedCostUSD

	m.global.UpdateOne(sessionsCollection, kvstore.Query{"session_id": sessionID}, kvstore.Update{
		Set: sessionToDoc(&session),
	}, false)
	m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": session.EntityID}, kvstore.Update{
		Inc: map[string]float64{"estimated_cost_usd": result.EstimatedCostUSD},
	}, false)
	m.global.UpdateOne(tasksCollection, kvstore.Query{"task_id": taskID, "entity_id": session.EntityID}, kvstore.Update{
		Set: map[string]any{
			"status":             string(models.TaskStatusCompleted),
			"completed_at":       isoNow(),
			"estimated_cost_usd": result.EstimatedCostUSD,
		},
	}, false)

	return result, nil
}

func appendUnique(dst []string, items ...string) []string {
	seen := map[string]bool{}
	for _, d := range dst {
		seen[d] = true
	}
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			dst = append(dst, it)
		}
	}
	return dst
}

// DeleteChatSession evicts the session's cache and lock, tombstones its
// record, and decrements the owning entity's session count.
func (m *Manager) DeleteChatSession(ctx context.Context, sessionID string) error {
	doc, ok := m.global.FindOne(sessionsCollection, kvstore.Query{"session_id": sessionID})
	if !ok {
		return notFound(fmt.Sprintf("session %q not found", sessionID))
	}
	entityID, _ := doc["entity_id"].(string)

	m.sessions.Delete(sessionID)

	timestamp := isoNow()
	newID := fmt.Sprintf("[DELETED]%s_%s", sessionID, timestamp)
	m.global.DeleteOne(sessionsCollection, kvstore.Query{"session_id": sessionID})
	doc["session_id"] = newID
	doc["deleted_at"] = timestamp
	m.global.UpdateOne(sessionsCollection, kvstore.Query{"session_id": newID, "entity_id": entityID}, kvstore.Update{Set: doc}, true)

	m.global.UpdateOne(entitiesCollection, kvstore.Query{"entity_id": entityID}, kvstore.Update{
		Inc: map[string]float64{"sessions_count": -1},
	}, false)
	return nil
}

// GetKnowledgeGraph materializes a derived node/edge view over the
// chunks of every entity in entityIDs: one node per chunk, and a
// "sequential" edge between every pair of adjacent chunks in the same
// document.
func (m *Manager) GetKnowledgeGraph(ctx context.Context, entityIDs []string) (*models.KnowledgeGraph, error) {
	graph := &models.KnowledgeGraph{EntityIDs: entityIDs}

	for _, entityID := range entityIDs {
		entity, err := m.GetEntity(ctx, entityID, false)
		if err != nil {
			continue
		}
		store, err := m.rag.GetEntityStore(entityID, entity.Dir)
		if err != nil {
			continue
		}

		byDoc := map[string][]models.Chunk{}
		for _, doc := range store.GetEntityDocuments() {
			byDoc[doc.DocID] = store.GetDocumentChunksInOrder(doc.DocID)
		}

		for docID, chunks := range byDoc {
			var prevNodeID string
			for i, c := range chunks {
				nodeID := models.NodeID(entityID, docID, c.ChunkOrderIndex)
				graph.Nodes = append(graph.Nodes, models.KnowledgeGraphNode{
					ID:        nodeID,
					NodeLabel: "Chunk",
					Properties: map[string]any{
						"entity_id":         entityID,
						"doc_id":            docID,
						"chunk_order_index": c.ChunkOrderIndex,
						"content":           c.Content,
					},
				})
				if i > 0 {
					graph.Relationships = append(graph.Relationships, models.KnowledgeGraphRelationship{
						ID:     models.RelationshipID(prevNodeID, nodeID),
						Source: prevNodeID,
						Target: nodeID,
						Label:  "sequential",
					})
				}
				prevNodeID = nodeID
			}
		}
	}

	graph.TotalNodes = len(graph.Nodes)
	graph.TotalRelationships = len(graph.Relationships)
	return graph, nil
}

func entityToDoc(e *models.Entity) map[string]any {
	return map[string]any{
		"entity_id":          e.ID,
		"id":                 e.ID,
		"name":               e.Name,
		"dir":                e.Dir,
		"created_at":         e.CreatedAt,
		"documents_count":    float64(e.DocumentsCount),
		"chunk_count":        float64(e.ChunkCount),
		"sessions_count":     float64(e.SessionsCount),
		"estimated_cost_usd": e.EstimatedCostUSD,
		"last_accessed":      e.LastAccessed,
		"metadata":           e.Metadata,
		"description":        e.Description,
		"deleted_at":         e.DeletedAt,
	}
}

func entityFromDoc(d map[string]any) *models.Entity {
	e := &models.Entity{}
	e.ID, _ = d["entity_id"].(string)
	e.Name, _ = d["name"].(string)
	e.Dir, _ = d["dir"].(string)
	e.CreatedAt, _ = d["created_at"].(string)
	e.DocumentsCount = intOf(d["documents_count"])
	e.ChunkCount = intOf(d["chunk_count"])
	e.SessionsCount = intOf(d["sessions_count"])
	e.EstimatedCostUSD = floatOf(d["estimated_cost_usd"])
	e.LastAccessed, _ = d["last_accessed"].(string)
	e.Metadata, _ = d["metadata"].(map[string]any)
	e.Description, _ = d["description"].(string)
	e.DeletedAt, _ = d["deleted_at"].(string)
	return e
}

func taskToDoc(t *models.Task) map[string]any {
	return map[string]any{
		"task_id":               t.TaskID,
		"task_type":             string(t.TaskType),
		"status":                string(t.Status),
		"created_at":            t.CreatedAt,
		"processing_started_at": t.ProcessingStartedAt,
		"completed_at":          t.CompletedAt,
		"entity_id":             t.EntityID,
		"estimated_cost_usd":    t.EstimatedCostUSD,
		"error_message":         t.ErrorMessage,
		"fields":                t.Fields,
	}
}

func taskFromDoc(d map[string]any) *models.Task {
	t := &models.Task{}
	t.TaskID, _ = d["task_id"].(string)
	t.TaskType = models.TaskType(fmt.Sprintf("%v", d["task_type"]))
	t.Status = models.TaskStatus(fmt.Sprintf("%v", d["status"]))
	t.CreatedAt, _ = d["created_at"].(string)
	t.ProcessingStartedAt, _ = d["processing_started_at"].(string)
	t.CompletedAt, _ = d["completed_at"].(string)
	t.EntityID, _ = d["entity_id"].(string)
	t.EstimatedCostUSD = floatOf(d["estimated_cost_usd"])
	t.ErrorMessage, _ = d["error_message"].(string)
	t.Fields, _ = d["fields"].(map[string]any)
	return t
}

func sessionToDoc(s *models.Session) map[string]any {
	return map[string]any{
		"session_id":           s.SessionID,
		"entity_id":            s.EntityID,
		"entity_name":          s.EntityName,
		"entity_dir":           s.EntityDir,
		"created_at":           s.CreatedAt,
		"last_accessed":        s.LastAccessed,
		"message_count":        float64(s.MessageCount),
		"estimated_cost_usd":   s.EstimatedCostUSD,
		"metadata":             s.Metadata,
		"conversation_history": s.ConversationHistory,
	}
}

func sessionFromDoc(d map[string]any) models.Session {
	s := models.Session{}
	s.SessionID, _ = d["session_id"].(string)
	s.EntityID, _ = d["entity_id"].(string)
	s.EntityName, _ = d["entity_name"].(string)
	s.EntityDir, _ = d["entity_dir"].(string)
	s.CreatedAt, _ = d["created_at"].(string)
	s.LastAccessed, _ = d["last_accessed"].(string)
	s.MessageCount = intOf(d["message_count"])
	s.EstimatedCostUSD = floatOf(d["estimated_cost_usd"])
	s.Metadata, _ = d["metadata"].(map[string]any)
	if hist, ok := d["conversation_history"].([]any); ok {
		for _, raw := range hist {
			if m, ok := raw.(map[string]any); ok {
				s.ConversationHistory = append(s.ConversationHistory, utteranceFromDoc(m))
			}
		}
	} else if hist, ok := d["conversation_history"].([]models.Utterance); ok {
		s.ConversationHistory = hist
	}
	return s
}

func utteranceFromDoc(d map[string]any) models.Utterance {
	u := models.Utterance{}
	u.Role, _ = d["role"].(string)
	u.Content, _ = d["content"].(string)
	u.Timestamp, _ = d["timestamp"].(string)
	u.TaskID, _ = d["task_id"].(string)
	u.EstimatedCostUSD = floatOf(d["estimated_cost_usd"])
	return u
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
