package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/kvstore"
)

type fixedChunker struct {
	chunks []chunker.Chunk
	err    error
}

func (f fixedChunker) Chunk(ctx context.Context, filename string, data []byte, source string) ([]chunker.Chunk, error) {
	return f.chunks, f.err
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	kv := kvstore.New(filepath.Join(dir, "storage"), false)
	emb := embedder.NewHashing(32)
	chk := fixedChunker{chunks: []chunker.Chunk{
		{Content: "first part", ChunkOrderIndex: 0, Source: "doc.txt"},
		{Content: "second part", ChunkOrderIndex: 1, Source: "doc.txt"},
	}}
	s, err := Open("entity-1", dir, kv, emb, chk)
	require.NoError(t, err)
	return s, dir
}

func TestAddDocumentIndexesAllChunks(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.AddDocument(context.Background(), "doc.txt", []byte("hello world"), "upload", nil)
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
	require.Equal(t, 2, res.ChunksCount)

	chunks := s.GetDocumentChunksInOrder(res.DocID)
	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].ChunkOrderIndex)
	require.Equal(t, "first part", chunks[0].Content)
}

func TestAddDocumentDeduplicatesByContentHash(t *testing.T) {
	s, _ := newTestStore(t)
	first, err := s.AddDocument(context.Background(), "doc.txt", []byte("same bytes"), "upload", nil)
	require.NoError(t, err)

	second, err := s.AddDocument(context.Background(), "doc-renamed.txt", []byte("same bytes"), "upload", nil)
	require.NoError(t, err)
	require.True(t, second.IsDuplicate)
	require.Equal(t, first.DocID, second.DocID)
}

func TestSearchReturnsTopKAcrossChunks(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddDocument(context.Background(), "doc.txt", []byte("content"), "upload", nil)
	require.NoError(t, err)

	results, services, err := s.Search(context.Background(), "first part", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, services)
}

func TestDeleteDocumentRemovesChunksAndRebuildsIndex(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.AddDocument(context.Background(), "doc.txt", []byte("content"), "upload", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(context.Background(), res.DocID))
	require.Empty(t, s.GetDocumentChunksInOrder(res.DocID))
	require.Empty(t, s.idx.entries)
}

func TestChunkNavigation(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.AddDocument(context.Background(), "doc.txt", []byte("content"), "upload", nil)
	require.NoError(t, err)

	next, ok := s.GetNextChunk(res.DocID, 0)
	require.True(t, ok)
	require.Equal(t, 1, next.ChunkOrderIndex)

	prev, ok := s.GetPreviousChunk(res.DocID, 1)
	require.True(t, ok)
	require.Equal(t, 0, prev.ChunkOrderIndex)

	ctxResult := s.GetChunkContext(res.DocID, 1, 1)
	require.NotNil(t, ctxResult.Current)
	require.Len(t, ctxResult.Before, 1)
}
