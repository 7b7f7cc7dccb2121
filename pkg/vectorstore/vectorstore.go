// Package vectorstore implements the per-entity dense-vector index with
// a sidecar chunk/document metadata store: EntityVectorStore. One Store
// instance owns exactly one entity's chunks, never crossing into another
// entity's data.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/models"
)

const (
	documentsCollection = "documents"
	overFetchFactor     = 3
)

// AddResult is the outcome of AddDocument.
type AddResult struct {
	DocID            string
	EntityID         string
	ChunksCount      int
	IsDuplicate      bool
	EstimatedCostUSD float64
}

// ScoredChunk pairs a stored chunk with its similarity score against a
// query, the shape returned by Search.
type ScoredChunk struct {
	Chunk models.Chunk
	Score float64
}

// ChunkContext is the result of GetChunkContext: the target chunk plus up
// to size chunks immediately before and after it in document order.
type ChunkContext struct {
	Before  []models.Chunk
	Current *models.Chunk
	After   []models.Chunk
}

// Store is one entity's EntityVectorStore: a dense index plus its
// chunk/document sidecar records, all scoped to entityID.
type Store struct {
	entityID string
	dir      string

	kv       *kvstore.Store
	embed    embedder.Embedder
	chunk    chunker.Chunker
	chunksColl string

	mu        sync.RWMutex
	idx       *denseIndex
	docHashes map[string]string // content hash -> doc_id, seeded at construction
}

// Open constructs (or reopens) the vector store for one entity. dir is
// the entity's root directory; kv is the per-entity ShardedKVStore root
// (storage/ under dir). The in-memory hash map is seeded by scanning
// documents owned by this entity, matching the reference implementation's
// startup behavior.
func Open(entityID, dir string, kv *kvstore.Store, emb embedder.Embedder, chk chunker.Chunker) (*Store, error) {
	s := &Store{
		entityID:   entityID,
		dir:        dir,
		kv:         kv,
		embed:      emb,
		chunk:      chk,
		chunksColl: "chunks_" + entityID,
		idx:        newDenseIndex(),
		docHashes:  map[string]string{},
	}

	if err := s.idx.load(s.vectorStoreDir()); err != nil {
		return nil, err
	}

	docs := s.kv.Find(documentsCollection, kvstore.Query{"entity_ids": entityID}, nil)
	for _, doc := range docs {
		hash, _ := doc["content_hash"].(string)
		docID, _ := doc["doc_id"].(string)
		if hash != "" && docID != "" {
			s.docHashes[hash] = docID
		}
	}

	return s, nil
}

func (s *Store) vectorStoreDir() string {
	return filepath.Join(s.dir, "vector_store")
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AddDocument ingests a file's bytes for this entity. Deduplication by
// content hash is checked twice: once outside any lock (fast path) and
// again under the write lock immediately before mutating the index,
// closing the race window between two concurrent ingests of identical
// bytes.
func (s *Store) AddDocument(ctx context.Context, docName string, data []byte, source string, metadata map[string]any) (*AddResult, error) {
	hash := contentHash(data)

	s.mu.RLock()
	if existing, ok := s.docHashes[hash]; ok {
		s.mu.RUnlock()
		return &AddResult{DocID: existing, EntityID: s.entityID, IsDuplicate: true}, nil
	}
	s.mu.RUnlock()

	chunks, err := s.chunk.Chunk(ctx, docName, data, source)
	if err != nil {
		chunks = chunker.Fallback(data, source)
	}
	if len(chunks) == 0 {
		return nil, &Error{Kind: KindIngest, Message: "chunker returned zero chunks"}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embed.EmbedMany(ctx, texts)
	if err != nil {
		return nil, &Error{Kind: KindEmbedding, Message: "embedding failed", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.docHashes[hash]; ok {
		return &AddResult{DocID: existing, EntityID: s.entityID, IsDuplicate: true}, nil
	}

	docID := "doc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	now := time.Now().UTC().Format(time.RFC3339)

	for i, c := range chunks {
		chunkID := models.ChunkID(docID, i)
		s.idx.add(chunkID, vectors[i])
		s.kv.UpdateOne(s.chunksColl, kvstore.Query{"chunk_id": chunkID}, kvstore.Update{
			Set: map[string]any{
				"chunk_id":          chunkID,
				"doc_id":            docID,
				"entity_id":         s.entityID,
				"chunk_order_index": float64(i),
				"content":           c.Content,
				"source":            c.Source,
				"metadata":          c.Metadata,
				"_vector":           vectors[i],
			},
		}, true)
	}

	s.kv.UpdateOne(documentsCollection, kvstore.Query{"doc_id": docID}, kvstore.Update{
		SetOnInsert: map[string]any{"doc_id": docID},
		Set: map[string]any{
			"doc_name":     docName,
			"doc_path":     filepath.Join(s.dir, "uploads", docName),
			"content_hash": hash,
			"file_size":    float64(len(data)),
			"indexed_at":   now,
			"metadata":     metadata,
		},
		AddToSet: map[string]any{"entity_ids": s.entityID},
	}, true)

	if err := s.idx.save(s.vectorStoreDir()); err != nil {
		return nil, fmt.Errorf("vectorstore: save index: %w", err)
	}
	s.docHashes[hash] = docID

	return &AddResult{DocID: docID, EntityID: s.entityID, ChunksCount: len(chunks)}, nil
}

// AddChunksBatch bypasses chunking entirely for externally pre-chunked
// content, skipping any chunk whose id already exists in this entity's
// chunk collection.
func (s *Store) AddChunksBatch(ctx context.Context, docID string, chunks []models.Chunk) (indexed, duplicate int, err error) {
	texts := make([]string, 0, len(chunks))
	fresh := make([]models.Chunk, 0, len(chunks))

	for _, c := range chunks {
		chunkID := models.ChunkID(docID, c.ChunkOrderIndex)
		if _, ok := s.kv.FindOne(s.chunksColl, kvstore.Query{"chunk_id": chunkID}); ok {
			duplicate++
			continue
		}
		fresh = append(fresh, c)
		texts = append(texts, c.Content)
	}
	if len(fresh) == 0 {
		return 0, duplicate, nil
	}

	vectors, err := s.embed.EmbedMany(ctx, texts)
	if err != nil {
		return 0, duplicate, &Error{Kind: KindEmbedding, Message: "embedding failed", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range fresh {
		chunkID := models.ChunkID(docID, c.ChunkOrderIndex)
		s.idx.add(chunkID, vectors[i])
		s.kv.UpdateOne(s.chunksColl, kvstore.Query{"chunk_id": chunkID}, kvstore.Update{
			Set: map[string]any{
				"chunk_id":          chunkID,
				"doc_id":            docID,
				"entity_id":         s.entityID,
				"chunk_order_index": float64(c.ChunkOrderIndex),
				"content":           c.Content,
				"source":            c.Source,
				"metadata":          c.Metadata,
				"_vector":           vectors[i],
			},
		}, true)
	}
	if err := s.idx.save(s.vectorStoreDir()); err != nil {
		return len(fresh), duplicate, fmt.Errorf("vectorstore: save index: %w", err)
	}
	return len(fresh), duplicate, nil
}

// Search returns the top-k chunks by similarity to query, restricted to
// this entity. When docIDs is non-empty the candidate pool is over-fetched
// at 3k and filtered to those documents before truncating to k.
func (s *Store) Search(ctx context.Context, query string, k int, docIDs []string) ([]ScoredChunk, []costmeter.Service, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, nil, &Error{Kind: KindEmbedding, Message: "query embedding failed", Err: err}
	}

	s.mu.RLock()
	fetchK := k
	if len(docIDs) > 0 {
		fetchK = k * overFetchFactor
	}
	hits := s.idx.search(vec, fetchK, nil)
	s.mu.RUnlock()

	var allow map[string]bool
	if len(docIDs) > 0 {
		allow = make(map[string]bool, len(docIDs))
		for _, d := range docIDs {
			allow[d] = true
		}
	}

	results := make([]ScoredChunk, 0, k)
	for _, h := range hits {
		doc, ok := s.kv.FindOne(s.chunksColl, kvstore.Query{"chunk_id": h.ChunkID})
		if !ok {
			continue
		}
		c := chunkFromDoc(doc)
		if allow != nil && !allow[c.DocID] {
			continue
		}
		results = append(results, ScoredChunk{Chunk: c, Score: h.Score})
		if len(results) >= k {
			break
		}
	}

	service := costmeter.Service{
		ServiceType: costmeter.ServiceTransformer,
		Breakdown:   map[string]any{"operation": "embed_query", "results": float64(len(results))},
	}
	return results, []costmeter.Service{service}, nil
}

// DeleteDocument removes this entity's chunks for docID, unlinks the
// entity from the document's owner list, hard-deletes the document
// record once its last owner unlinks, and rebuilds the index from the
// surviving chunk records in storage (never re-reading original bytes).
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv.DeleteMany(s.chunksColl, kvstore.Query{"doc_id": docID})

	doc, ok := s.kv.FindOne(documentsCollection, kvstore.Query{"doc_id": docID})
	if ok {
		var remaining []any
		if ids, ok := doc["entity_ids"].([]any); ok {
			for _, id := range ids {
				if idStr, _ := id.(string); idStr != s.entityID {
					remaining = append(remaining, id)
				}
			}
		}
		if len(remaining) == 0 {
			s.kv.DeleteOne(documentsCollection, kvstore.Query{"doc_id": docID})
			if hash, _ := doc["content_hash"].(string); hash != "" {
				delete(s.docHashes, hash)
			}
		} else {
			s.kv.UpdateOne(documentsCollection, kvstore.Query{"doc_id": docID}, kvstore.Update{
				Set: map[string]any{"entity_ids": remaining},
			}, false)
		}
	}

	return s.rebuildIndexLocked()
}

// rebuildIndexLocked re-materializes the index from every surviving chunk
// record for this entity, discarding and recreating the native index
// rather than attempting in-place removal.
func (s *Store) rebuildIndexLocked() error {
	s.idx.reset()
	chunks := s.kv.Find(s.chunksColl, kvstore.Query{}, nil)
	for _, doc := range chunks {
		chunkID, _ := doc["chunk_id"].(string)
		vec, ok := doc["_vector"].([]any)
		if chunkID == "" || !ok {
			continue
		}
		v := make([]float32, len(vec))
		for i, x := range vec {
			f, _ := x.(float64)
			v[i] = float32(f)
		}
		s.idx.add(chunkID, v)
	}
	return s.idx.save(s.vectorStoreDir())
}

// GetChunkByID returns one chunk, or (nil, false) if it does not exist —
// a navigation miss is not an error per the component's contract.
func (s *Store) GetChunkByID(docID string, orderIndex int) (*models.Chunk, bool) {
	doc, ok := s.kv.FindOne(s.chunksColl, kvstore.Query{"doc_id": docID, "chunk_order_index": float64(orderIndex)})
	if !ok {
		return nil, false
	}
	c := chunkFromDoc(doc)
	return &c, true
}

func (s *Store) GetPreviousChunk(docID string, orderIndex int) (*models.Chunk, bool) {
	return s.GetChunkByID(docID, orderIndex-1)
}

func (s *Store) GetNextChunk(docID string, orderIndex int) (*models.Chunk, bool) {
	return s.GetChunkByID(docID, orderIndex+1)
}

// GetChunkContext returns the target chunk plus up to size neighbors
// before and after it, all within the same document.
func (s *Store) GetChunkContext(docID string, orderIndex, size int) ChunkContext {
	var ctxResult ChunkContext
	if c, ok := s.GetChunkByID(docID, orderIndex); ok {
		ctxResult.Current = c
	}
	for i := orderIndex - size; i < orderIndex; i++ {
		if i < 0 {
			continue
		}
		if c, ok := s.GetChunkByID(docID, i); ok {
			ctxResult.Before = append(ctxResult.Before, *c)
		}
	}
	for i := orderIndex + 1; i <= orderIndex+size; i++ {
		if c, ok := s.GetChunkByID(docID, i); ok {
			ctxResult.After = append(ctxResult.After, *c)
		}
	}
	return ctxResult
}

// GetChunkNeighbors returns all chunks within window positions of
// orderIndex (inclusive), sorted by chunk_order_index.
func (s *Store) GetChunkNeighbors(docID string, orderIndex, window int) []models.Chunk {
	all := s.GetDocumentChunksInOrder(docID)
	var out []models.Chunk
	for _, c := range all {
		if c.ChunkOrderIndex >= orderIndex-window && c.ChunkOrderIndex <= orderIndex+window {
			out = append(out, c)
		}
	}
	return out
}

// GetDocumentChunksInOrder returns every chunk of docID sorted by
// chunk_order_index — the reference's equivalent does not actually sort
// its result despite a docstring claim; this one sorts, per the
// round-trip invariant between this method and GetChunkContext.
func (s *Store) GetDocumentChunksInOrder(docID string) []models.Chunk {
	docs := s.kv.Find(s.chunksColl, kvstore.Query{"doc_id": docID}, nil)
	chunks := make([]models.Chunk, 0, len(docs))
	for _, d := range docs {
		chunks = append(chunks, chunkFromDoc(d))
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkOrderIndex < chunks[j].ChunkOrderIndex })
	return chunks
}

// GetEntityDocuments lists every document owned by this entity.
func (s *Store) GetEntityDocuments() []models.Document {
	docs := s.kv.Find(documentsCollection, kvstore.Query{"entity_ids": s.entityID}, nil)
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentFromDoc(d))
	}
	return out
}

func chunkFromDoc(d map[string]any) models.Chunk {
	c := models.Chunk{}
	c.ChunkID, _ = d["chunk_id"].(string)
	c.DocID, _ = d["doc_id"].(string)
	c.EntityID, _ = d["entity_id"].(string)
	if v, ok := d["chunk_order_index"].(float64); ok {
		c.ChunkOrderIndex = int(v)
	}
	c.Content, _ = d["content"].(string)
	c.Source, _ = d["source"].(string)
	c.Metadata, _ = d["metadata"].(map[string]any)
	return c
}

func documentFromDoc(d map[string]any) models.Document {
	doc := models.Document{}
	doc.DocID, _ = d["doc_id"].(string)
	doc.DocName, _ = d["doc_name"].(string)
	doc.DocPath, _ = d["doc_path"].(string)
	doc.ContentHash, _ = d["content_hash"].(string)
	if v, ok := d["file_size"].(float64); ok {
		doc.FileSize = int64(v)
	}
	doc.IndexedAt, _ = d["indexed_at"].(string)
	if ids, ok := d["entity_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				doc.EntityIDs = append(doc.EntityIDs, s)
			}
		}
	}
	doc.Metadata, _ = d["metadata"].(map[string]any)
	return doc
}
