// Package entityrag implements the process-singleton registry owning
// every entity's vector store and the shared embedder they all use:
// EntityRAGManager.
package entityrag

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/vectorstore"
)

const (
	addDocumentTimeout = 5 * time.Minute
	searchTimeout      = 30 * time.Second
)

// AddDocumentTask is one unit of a parallel ingest batch.
type AddDocumentTask struct {
	EntityID string
	DocName  string
	Data     []byte
	Source   string
	Metadata map[string]any
}

// AddDocumentOutcome is the per-task result of a parallel ingest,
// carrying the error instead of propagating it so one document's failure
// never aborts its siblings.
type AddDocumentOutcome struct {
	EntityID string
	DocName  string
	Result   *vectorstore.AddResult
	Err      error
}

// SearchOutcome is one entity's result from a multi-entity search.
type SearchOutcome struct {
	EntityID string
	Results  []vectorstore.ScoredChunk
	Services []costmeter.Service
}

// Manager owns every EntityVectorStore for the process and the shared
// Embedder they all use. Exactly one Manager exists per process.
type Manager struct {
	root     string
	embed    embedder.Embedder
	chunk    chunker.Chunker
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*vectorstore.Store
}

// New builds a Manager rooted at dir (the global DATA_DIR's entities/
// subtree), sharing emb and chk across every entity store it constructs.
func New(dir string, emb embedder.Embedder, chk chunker.Chunker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   dir,
		embed:  emb,
		chunk:  chk,
		logger: logger,
		stores: map[string]*vectorstore.Store{},
	}
}

// GetEntityStore returns the cached vector store for entityID, lazily
// constructing one rooted at entityDir on first access.
func (m *Manager) GetEntityStore(entityID, entityDir string) (*vectorstore.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[entityID]; ok {
		return s, nil
	}
	if entityDir == "" {
		entityDir = filepath.Join(m.root, entityID)
	}
	kv := kvstore.New(filepath.Join(entityDir, "storage"), false)
	s, err := vectorstore.Open(entityID, entityDir, kv, m.embed, m.chunk)
	if err != nil {
		return nil, fmt.Errorf("entityrag: open store for %s: %w", entityID, err)
	}
	m.stores[entityID] = s
	return s, nil
}

// AddDocumentsParallel ingests every task concurrently (at most
// runtime.NumCPU() at a time), each bounded by a 5-minute timeout. A single document's failure is captured on its own
// outcome and never aborts the others.
func (m *Manager) AddDocumentsParallel(ctx context.Context, tasks []AddDocumentTask) []AddDocumentOutcome {
	outcomes := make([]AddDocumentOutcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = AddDocumentOutcome{EntityID: task.EntityID, DocName: task.DocName}
			store, err := m.GetEntityStore(task.EntityID, "")
			if err != nil {
				outcomes[i].Err = err
				m.logger.Warn("add_documents_parallel: store open failed", "entity_id", task.EntityID, "error", err)
				return nil
			}

			docCtx, cancel := context.WithTimeout(gctx, addDocumentTimeout)
			defer cancel()

			res, err := store.AddDocument(docCtx, task.DocName, task.Data, task.Source, task.Metadata)
			if err != nil {
				outcomes[i].Err = err
				m.logger.Warn("add_documents_parallel: ingest failed", "entity_id", task.EntityID, "doc_name", task.DocName, "error", err)
				return nil
			}
			outcomes[i].Result = res
			return nil
		})
	}
	_ = g.Wait() // every per-task error is already captured on its outcome
	return outcomes
}

// SearchMultipleEntities fans a query out across entityIDs concurrently
// (at most runtime.NumCPU() at a time), each bounded by a 30s timeout. A missing or failing entity yields an
// empty result rather than aborting the others.
func (m *Manager) SearchMultipleEntities(ctx context.Context, entityIDs []string, query string, k int) []SearchOutcome {
	outcomes := make([]SearchOutcome, len(entityIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, entityID := range entityIDs {
		i, entityID := i, entityID
		g.Go(func() error {
			outcomes[i] = SearchOutcome{EntityID: entityID}
			store, err := m.GetEntityStore(entityID, "")
			if err != nil {
				m.logger.Warn("search_multiple_entities: store open failed", "entity_id", entityID, "error", err)
				return nil
			}

			searchCtx, cancel := context.WithTimeout(gctx, searchTimeout)
			defer cancel()

			results, services, err := store.Search(searchCtx, query, k, nil)
			if err != nil {
				m.logger.Warn("search_multiple_entities: search failed", "entity_id", entityID, "error", err)
				return nil
			}
			outcomes[i].Results = results
			outcomes[i].Services = services
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// CleanupEntity evicts entityID's store from the in-memory cache without
// touching any on-disk data.
func (m *Manager) CleanupEntity(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, entityID)
}

// Shutdown releases every cached store. There is no background work to
// drain here; it exists to mirror the lifecycle contract (init at
// startup, shutdown flushes/drains) shared with the worker pool and
// session registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = map[string]*vectorstore.Store{}
}
