package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/entityscoped/ragserver/pkg/models"
	"github.com/entityscoped/ragserver/pkg/vectorstore"
)

// errInvalidToolArguments marks a JSON-parse failure on a tool call's
// arguments — per the documented failure semantics this is fatal to the
// turn, unlike an ordinary tool-execution error.
var errInvalidToolArguments = errors.New("invalid tool arguments")

// toolSet returns the fixed six-tool set exposed to the model verbatim,
// bound to no particular entity (the entity binding lives on the Agent
// that dispatches calls, not on the spec sent to the model).
func toolSet() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "semantic_search_within_entity",
			Description: "Search this entity's indexed content for chunks relevant to a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"k":     map[string]any{"type": "integer", "default": 25},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_previous_chunk",
			Description: "Navigate to the chunk immediately before the given chunk in its document.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"doc_id":            map[string]any{"type": "string"},
					"chunk_order_index": map[string]any{"type": "integer"},
				},
				"required": []string{"doc_id", "chunk_order_index"},
			},
		},
		{
			Name:        "get_next_chunk",
			Description: "Navigate to the chunk immediately after the given chunk in its document.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"doc_id":            map[string]any{"type": "string"},
					"chunk_order_index": map[string]any{"type": "integer"},
				},
				"required": []string{"doc_id", "chunk_order_index"},
			},
		},
		{
			Name:        "get_chunk_context",
			Description: "Return a chunk plus its surrounding neighbors within the same document.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"doc_id":            map[string]any{"type": "string"},
					"chunk_order_index": map[string]any{"type": "integer"},
					"context_size":      map[string]any{"type": "integer", "default": 1},
				},
				"required": []string{"doc_id", "chunk_order_index"},
			},
		},
		{
			Name:        "get_entity_documents",
			Description: "List this entity's documents.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "get_document_chunks",
			Description: "List the first chunks of a document, with a hint if more exist.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"doc_id": map[string]any{"type": "string"},
				},
				"required": []string{"doc_id"},
			},
		},
	}
}

// documentChunksPageSize caps get_document_chunks results; callers see a
// "…N more" hint instead of the full document, per the design's decision
// to not expose pagination as a tool (spec §9 Open Question 2).
const documentChunksPageSize = 10

// dispatchResult carries a tool's JSON-serializable result plus the
// knowledge-graph ids it touched.
type dispatchResult struct {
	Content         any
	NodeIDs         []string
	RelationshipIDs []string
}

// dispatch executes one tool call against the bound entity's vector
// store and reports the nodes/edges it touched for accumulation.
func dispatch(ctx context.Context, store *vectorstore.Store, entityID string, call ToolCall) (dispatchResult, error) {
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return dispatchResult{}, fmt.Errorf("%w: %v", errInvalidToolArguments, err)
		}
	}

	switch call.Name {
	case "semantic_search_within_entity":
		query, _ := args["query"].(string)
		k := 25
		if v, ok := args["k"].(float64); ok && v > 0 {
			k = int(v)
		}
		results, _, err := store.Search(ctx, query, k, nil)
		if err != nil {
			return dispatchResult{}, err
		}
		records := make([]map[string]any, 0, len(results))
		var nodeIDs []string
		for _, r := range results {
			nodeID := models.NodeID(entityID, r.Chunk.DocID, r.Chunk.ChunkOrderIndex)
			nodeIDs = append(nodeIDs, nodeID)
			records = append(records, map[string]any{
				"content":           r.Chunk.Content,
				"doc_id":            r.Chunk.DocID,
				"chunk_order_index": r.Chunk.ChunkOrderIndex,
				"source":            r.Chunk.Source,
				"entity_id":         entityID,
				"node_id":           nodeID,
				"can_navigate":      true,
				"score":             r.Score,
			})
		}
		return dispatchResult{Content: records, NodeIDs: nodeIDs}, nil

	case "get_previous_chunk":
		docID, _ := args["doc_id"].(string)
		idx := intArg(args["chunk_order_index"])
		currentNodeID := models.NodeID(entityID, docID, idx)
		c, ok := store.GetPreviousChunk(docID, idx)
		if !ok {
			return dispatchResult{Content: nil}, nil
		}
		prevNodeID := models.NodeID(entityID, docID, c.ChunkOrderIndex)
		rel := models.RelationshipID(currentNodeID, prevNodeID)
		return dispatchResult{
			Content:         chunkRecord(entityID, *c, prevNodeID),
			NodeIDs:         []string{prevNodeID},
			RelationshipIDs: []string{rel},
		}, nil

	case "get_next_chunk":
		docID, _ := args["doc_id"].(string)
		idx := intArg(args["chunk_order_index"])
		currentNodeID := models.NodeID(entityID, docID, idx)
		c, ok := store.GetNextChunk(docID, idx)
		if !ok {
			return dispatchResult{Content: nil}, nil
		}
		nextNodeID := models.NodeID(entityID, docID, c.ChunkOrderIndex)
		rel := models.RelationshipID(currentNodeID, nextNodeID)
		return dispatchResult{
			Content:         chunkRecord(entityID, *c, nextNodeID),
			NodeIDs:         []string{nextNodeID},
			RelationshipIDs: []string{rel},
		}, nil

	case "get_chunk_context":
		docID, _ := args["doc_id"].(string)
		idx := intArg(args["chunk_order_index"])
		size := 1
		if v, ok := args["context_size"].(float64); ok && v > 0 {
			size = int(v)
		}
		ctxResult := store.GetChunkContext(docID, idx, size)
		var nodeIDs, relIDs []string
		payload := map[string]any{}
		if ctxResult.Current != nil {
			nodeID := models.NodeID(entityID, docID, ctxResult.Current.ChunkOrderIndex)
			payload["current"] = chunkRecord(entityID, *ctxResult.Current, nodeID)
			nodeIDs = append(nodeIDs, nodeID)
			for _, b := range ctxResult.Before {
				bID := models.NodeID(entityID, docID, b.ChunkOrderIndex)
				nodeIDs = append(nodeIDs, bID)
				relIDs = append(relIDs, models.RelationshipID(bID, nodeID))
			}
			for _, a := range ctxResult.After {
				aID := models.NodeID(entityID, docID, a.ChunkOrderIndex)
				nodeIDs = append(nodeIDs, aID)
				relIDs = append(relIDs, models.RelationshipID(nodeID, aID))
			}
		}
		before := make([]map[string]any, len(ctxResult.Before))
		for i, c := range ctxResult.Before {
			before[i] = chunkRecord(entityID, c, models.NodeID(entityID, docID, c.ChunkOrderIndex))
		}
		after := make([]map[string]any, len(ctxResult.After))
		for i, c := range ctxResult.After {
			after[i] = chunkRecord(entityID, c, models.NodeID(entityID, docID, c.ChunkOrderIndex))
		}
		payload["before"] = before
		payload["after"] = after
		return dispatchResult{Content: payload, NodeIDs: nodeIDs, RelationshipIDs: relIDs}, nil

	case "get_entity_documents":
		docs := store.GetEntityDocuments()
		return dispatchResult{Content: docs}, nil

	case "get_document_chunks":
		docID, _ := args["doc_id"].(string)
		all := store.GetDocumentChunksInOrder(docID)
		page := all
		more := 0
		if len(all) > documentChunksPageSize {
			page = all[:documentChunksPageSize]
			more = len(all) - documentChunksPageSize
		}
		var nodeIDs, relIDs []string
		records := make([]map[string]any, len(page))
		var prevID string
		for i, c := range page {
			nodeID := models.NodeID(entityID, docID, c.ChunkOrderIndex)
			records[i] = chunkRecord(entityID, c, nodeID)
			nodeIDs = append(nodeIDs, nodeID)
			if i > 0 {
				relIDs = append(relIDs, models.RelationshipID(prevID, nodeID))
			}
			prevID = nodeID
		}
		payload := map[string]any{"chunks": records}
		if more > 0 {
			payload["hint"] = fmt.Sprintf("…%d more", more)
		}
		return dispatchResult{Content: payload, NodeIDs: nodeIDs, RelationshipIDs: relIDs}, nil

	default:
		return dispatchResult{}, fmt.Errorf("unknown tool %q", call.Name)
	}
}

func chunkRecord(entityID string, c models.Chunk, nodeID string) map[string]any {
	return map[string]any{
		"content":           c.Content,
		"doc_id":            c.DocID,
		"chunk_order_index": c.ChunkOrderIndex,
		"source":            c.Source,
		"entity_id":         entityID,
		"node_id":           nodeID,
	}
}

func intArg(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
