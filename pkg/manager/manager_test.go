package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entityscoped/ragserver/pkg/agent"
	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/entityrag"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/models"
	"github.com/entityscoped/ragserver/pkg/sessionlock"
	"github.com/entityscoped/ragserver/pkg/workerpool"
)

type fixedChunker struct{}

func (fixedChunker) Chunk(ctx context.Context, filename string, data []byte, source string) ([]chunker.Chunk, error) {
	return []chunker.Chunk{{Content: string(data), ChunkOrderIndex: 0, Source: source}}, nil
}

type scriptedLLM struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedLLM) StreamChatCompletion(ctx context.Context, model string, temperature float64, messages []agent.Message, tools []agent.ToolSpec) (<-chan agent.StreamChunk, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	ch := make(chan agent.StreamChunk, 2)
	ch <- agent.StreamChunk{ContentDelta: "ok"}
	ch <- agent.StreamChunk{FinishReason: "stop", Usage: &agent.Usage{PromptTokens: 1, CompletionTokens: 1}}
	close(ch)
	return ch, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	global := kvstore.New(filepath.Join(dir, "storage"), true)
	rag := entityrag.New(filepath.Join(dir, "entities"), embedder.NewHashing(16), fixedChunker{}, slog.Default())
	pool := workerpool.New(2, 4, slog.Default())
	t.Cleanup(pool.Shutdown)
	sessions := sessionlock.New(slog.Default())
	t.Cleanup(sessions.Shutdown)
	meter := costmeter.New(nil)

	return New(dir, global, rag, pool, sessions, meter, &scriptedLLM{}, "gpt-4o-mini", 0.2, slog.Default())
}

func waitForTask(t *testing.T, m *Manager, taskID string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusFailed {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return nil
}

// TestUploadDedup covers scenario S1: re-uploading identical bytes yields
// the same doc_id, is_duplicate=true, and unchanged counters.
func TestUploadDedup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)

	task1, err := m.UploadFile(ctx, "e1", "hello.txt", []byte("hello world"), "upload")
	require.NoError(t, err)
	done1 := waitForTask(t, m, task1.TaskID)
	require.Equal(t, models.TaskStatusCompleted, done1.Status)
	docID := done1.Fields["doc_id"]

	entity, err := m.GetEntity(ctx, "e1", false)
	require.NoError(t, err)
	require.Equal(t, 1, entity.DocumentsCount)
	require.Equal(t, 1, entity.ChunkCount)

	task2, err := m.UploadFile(ctx, "e1", "hello.txt", []byte("hello world"), "upload")
	require.NoError(t, err)
	done2 := waitForTask(t, m, task2.TaskID)
	require.Equal(t, models.TaskStatusCompleted, done2.Status)
	require.Equal(t, docID, done2.Fields["doc_id"])
	require.Equal(t, true, done2.Fields["is_duplicate"])

	entity, err = m.GetEntity(ctx, "e1", false)
	require.NoError(t, err)
	require.Equal(t, 1, entity.DocumentsCount)
	require.Equal(t, 1, entity.ChunkCount)
}

// TestChatSessionConverseSerializesConcurrentTurns covers scenario S3:
// two concurrent chat turns on the same session never interleave in the
// persisted conversation history.
func TestChatSessionConverseSerializesConcurrentTurns(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)
	session, err := m.CreateChatSession(ctx, "e1", "s", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.ChatSessionConverse(ctx, session.SessionID, "Q1")
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := m.ChatSessionConverse(ctx, session.SessionID, "Q2")
		require.NoError(t, err)
	}()
	wg.Wait()

	messages, err := m.GetSessionMessages(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	for i := 0; i < len(messages); i += 2 {
		require.Equal(t, "user", messages[i].Role)
		require.Equal(t, "assistant", messages[i+1].Role)
	}
}

// TestConcurrentUploadsSumCounters covers scenario S2: N concurrent
// uploads of distinct documents to one entity converge on accurate
// summed counters, with no lost updates.
func TestConcurrentUploadsSumCounters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)

	const n = 8
	taskIDs := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			task, err := m.UploadFile(ctx, "e1", fmt.Sprintf("doc-%d.txt", i), []byte(fmt.Sprintf("document body number %d", i)), "upload")
			require.NoError(t, err)
			taskIDs[i] = task.TaskID
		}()
	}
	wg.Wait()

	for _, id := range taskIDs {
		done := waitForTask(t, m, id)
		require.Equal(t, models.TaskStatusCompleted, done.Status)
	}

	entity, err := m.GetEntity(ctx, "e1", false)
	require.NoError(t, err)
	require.Equal(t, n, entity.DocumentsCount)
	require.Equal(t, n, entity.ChunkCount)
}

// TestChatSessionRehydratesAfterCacheEviction covers scenario S4: once a
// session's cached agent is evicted (simulating the idle sweeper), the
// next turn rehydrates from persisted history rather than failing or
// losing context.
func TestChatSessionRehydratesAfterCacheEviction(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)
	session, err := m.CreateChatSession(ctx, "e1", "s", nil)
	require.NoError(t, err)

	_, err = m.ChatSessionConverse(ctx, session.SessionID, "Q1")
	require.NoError(t, err)

	// Evict the cached agent the way the idle sweeper would; nothing on
	// disk is touched.
	m.sessions.Delete(session.SessionID)

	_, err = m.ChatSessionConverse(ctx, session.SessionID, "Q2")
	require.NoError(t, err)

	messages, err := m.GetSessionMessages(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	require.Equal(t, "Q1", messages[0].Content)
	require.Equal(t, "Q2", messages[2].Content)
}

// TestDeleteEntityTombstonesAndCascades covers the cascade-delete
// behavior: sessions are removed and the entity is no longer visible to
// a live-only lookup.
func TestDeleteEntityTombstonesAndCascades(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)
	_, err = m.CreateChatSession(ctx, "e1", "s", nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteEntity(ctx, "e1"))

	_, err = m.GetEntity(ctx, "e1", false)
	require.Error(t, err)

	tombstoned, err := m.GetEntity(ctx, "e1", true)
	require.NoError(t, err)
	require.NotEmpty(t, tombstoned.DeletedAt)

	sessions, err := m.ListSessions(ctx, "e1")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

// TestCreateEntityRejectsDuplicateID covers the Conflict error kind.
func TestCreateEntityRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.CreateEntity(ctx, "e1", "E1", "", nil)
	require.NoError(t, err)

	_, err = m.CreateEntity(ctx, "e1", "E1 again", "", nil)
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, KindConflict, mErr.Kind)
}
