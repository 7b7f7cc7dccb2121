package entityrag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/embedder"
)

type fixedChunker struct{}

func (fixedChunker) Chunk(ctx context.Context, filename string, data []byte, source string) ([]chunker.Chunk, error) {
	return []chunker.Chunk{{Content: string(data), ChunkOrderIndex: 0, Source: source}}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return New(dir, embedder.NewHashing(16), fixedChunker{}, nil)
}

func TestAddDocumentsParallelIngestsEachEntity(t *testing.T) {
	m := newTestManager(t)
	tasks := []AddDocumentTask{
		{EntityID: "e1", DocName: "a.txt", Data: []byte("alpha content")},
		{EntityID: "e2", DocName: "b.txt", Data: []byte("beta content")},
	}
	outcomes := m.AddDocumentsParallel(context.Background(), tasks)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		require.NotNil(t, o.Result)
		require.Equal(t, 1, o.Result.ChunksCount)
	}
}

func TestSearchMultipleEntitiesIsolatesResults(t *testing.T) {
	m := newTestManager(t)
	store, err := m.GetEntityStore("e1", "")
	require.NoError(t, err)
	_, err = store.AddDocument(context.Background(), "a.txt", []byte("alpha content"), "upload", nil)
	require.NoError(t, err)

	outcomes := m.SearchMultipleEntities(context.Background(), []string{"e1", "e2"}, "alpha", 5)
	require.Len(t, outcomes, 2)

	var e1, e2 SearchOutcome
	for _, o := range outcomes {
		switch o.EntityID {
		case "e1":
			e1 = o
		case "e2":
			e2 = o
		}
	}
	require.NotEmpty(t, e1.Results)
	require.Empty(t, e2.Results)
}

func TestCleanupEntityEvictsCacheOnly(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetEntityStore("e1", "")
	require.NoError(t, err)
	require.Len(t, m.stores, 1)

	m.CleanupEntity("e1")
	require.Empty(t, m.stores)
}
