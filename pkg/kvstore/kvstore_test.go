package kvstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, sharded bool) *Store {
	dir := t.TempDir()
	return New(dir, sharded)
}

func TestUpdateOneUpsertCreatesDocument(t *testing.T) {
	s := newTestStore(t, false)
	res, err := s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{
		SetOnInsert: map[string]any{"documents_count": float64(0)},
		Set:         map[string]any{"name": "Acme"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)

	doc, ok := s.FindOne("entities", Query{"entity_id": "e1"})
	require.True(t, ok)
	assert.Equal(t, "Acme", doc["name"])
	assert.Equal(t, float64(0), doc["documents_count"])
}

func TestIncCreatesFieldWhenAbsent(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{SetOnInsert: map[string]any{"x": 1}}, true)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 3}}, false)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 2}}, false)

	doc, _ := s.FindOne("entities", Query{"entity_id": "e1"})
	assert.Equal(t, float64(5), doc["chunk_count"])
}

func TestAddToSetDedupes(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{SetOnInsert: map[string]any{"doc_id": "d1"}}, true)
	s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{AddToSet: map[string]any{"entity_ids": "e1"}}, false)
	s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{AddToSet: map[string]any{"entity_ids": "e1"}}, false)
	s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{AddToSet: map[string]any{"entity_ids": "e2"}}, false)

	doc, _ := s.FindOne("documents", Query{"doc_id": "d1"})
	ids := doc["entity_ids"].([]any)
	assert.Len(t, ids, 2)
}

func TestQueryOperators(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{Set: map[string]any{"chunk_count": float64(5), "tags": []any{"a", "b"}}}, true)
	s.UpdateOne("entities", Query{"entity_id": "e2"}, Update{Set: map[string]any{"chunk_count": float64(15), "tags": []any{"b", "c"}}}, true)

	gt := s.Find("entities", Query{"chunk_count": map[string]any{"$gt": float64(10)}}, nil)
	assert.Len(t, gt, 1)
	assert.Equal(t, "e2", gt[0]["entity_id"])

	byTag := s.Find("entities", Query{"tags": "a"}, nil)
	assert.Len(t, byTag, 1)

	exists := s.Find("entities", Query{"chunk_count": map[string]any{"$exists": true}}, nil)
	assert.Len(t, exists, 2)

	in := s.Find("entities", Query{"entity_id": map[string]any{"$in": []any{"e1", "e9"}}}, nil)
	assert.Len(t, in, 1)
}

func TestDeleteOneRemovesSingleMatch(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("tasks", Query{"task_id": "t1"}, Update{Set: map[string]any{"status": "pending"}}, true)
	s.UpdateOne("tasks", Query{"task_id": "t2"}, Update{Set: map[string]any{"status": "pending"}}, true)

	n, err := s.DeleteOne("tasks", Query{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := s.FindOne("tasks", Query{"task_id": "t1"})
	assert.False(t, ok)
	_, ok = s.FindOne("tasks", Query{"task_id": "t2"})
	assert.True(t, ok)
}

func TestAtomicWriteLeavesNoPartialFileAndNoTmpLeftover(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{Set: map[string]any{"name": "Acme"}}, true)

	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp_")
	}
	path := filepath.Join(s.root, "entities.json")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestConcurrentIncsAreSerialized(t *testing.T) {
	s := newTestStore(t, false)
	s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{SetOnInsert: map[string]any{"chunk_count": float64(0)}}, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.UpdateOne("entities", Query{"entity_id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 1}}, false)
		}()
	}
	wg.Wait()

	doc, _ := s.FindOne("entities", Query{"entity_id": "e1"})
	assert.Equal(t, float64(50), doc["chunk_count"])
}

func TestShardedStoreRoutesByEntityID(t *testing.T) {
	s := newTestStore(t, true)
	s.UpdateOne("chunks", Query{"entity_id": "e1", "chunk_id": "c1"}, Update{SetOnInsert: map[string]any{"chunk_id": "c1", "entity_id": "e1"}}, true)
	s.UpdateOne("chunks", Query{"entity_id": "e2", "chunk_id": "c2"}, Update{SetOnInsert: map[string]any{"chunk_id": "c2", "entity_id": "e2"}}, true)

	shardDir := s.shardDir("chunks")
	entries, err := os.ReadDir(shardDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	doc, ok := s.FindOne("chunks", Query{"entity_id": "e1", "chunk_id": "c1"})
	require.True(t, ok)
	assert.Equal(t, "c1", doc["chunk_id"])
}
