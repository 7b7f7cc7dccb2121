package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entityscoped/ragserver/pkg/chunker"
	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/embedder"
	"github.com/entityscoped/ragserver/pkg/kvstore"
	"github.com/entityscoped/ragserver/pkg/vectorstore"
)

type fixedChunker struct{}

func (fixedChunker) Chunk(ctx context.Context, filename string, data []byte, source string) ([]chunker.Chunk, error) {
	return []chunker.Chunk{{Content: string(data), ChunkOrderIndex: 0, Source: source}}, nil
}

func newTestStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	dir := t.TempDir()
	kv := kvstore.New(filepath.Join(dir, "storage"), false)
	s, err := vectorstore.Open("e1", dir, kv, embedder.NewHashing(16), fixedChunker{})
	require.NoError(t, err)
	return s
}

// scriptedLLM replays a fixed sequence of StreamChunk batches, one batch
// per call to StreamChatCompletion, letting a test drive a multi-turn
// tool-call loop deterministically.
type scriptedLLM struct {
	turns [][]StreamChunk
	calls int
}

func (s *scriptedLLM) StreamChatCompletion(ctx context.Context, model string, temperature float64, messages []Message, tools []ToolSpec) (<-chan StreamChunk, error) {
	turn := s.turns[s.calls]
	s.calls++
	ch := make(chan StreamChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestConverseToolCallThenTerminalWithCitation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddDocument(context.Background(), "doc.txt", []byte("revenue details"), "upload", nil)
	require.NoError(t, err)

	llm := &scriptedLLM{turns: [][]StreamChunk{
		{
			{ToolCalls: []ToolCall{{ID: "call1", Name: "semantic_search_within_entity", Arguments: `{"query":"revenue","k":5}`}}, FinishReason: "tool_calls"},
		},
		{
			{ContentDelta: "Revenue was strong [[1](e1_doc1_0)]."},
			{FinishReason: "stop", Usage: &Usage{PromptTokens: 100, CompletionTokens: 20}},
		},
	}}

	a := New("e1", "Acme", "", store, llm, costmeter.New(nil), "gpt-4o-mini", 0.2)
	events := a.Converse(context.Background(), []Message{{Role: "user", Content: "How is revenue?"}})

	var terminal *Event
	var sawUpdate bool
	for ev := range events {
		switch ev.Kind {
		case EventUpdate:
			sawUpdate = true
			require.NotEmpty(t, ev.NodeIDs)
		case EventTerminal:
			e := ev
			terminal = &e
		}
	}

	require.True(t, sawUpdate)
	require.NotNil(t, terminal)
	require.Contains(t, terminal.Content, "Revenue was strong")
	require.Equal(t, []string{"e1_doc1_0"}, terminal.CitedNodeIDs)
	require.Equal(t, 2, llm.calls)
}

func TestCitationParsingDedupesRepeatedNode(t *testing.T) {
	content := "Revenue was $50M [[1](e1_D_7)], up 25% [[2](e1_D_8)]. More at [[1](e1_D_7)]."
	cited, citations := parseCitations(content)
	require.Equal(t, []string{"e1_D_7", "e1_D_8"}, cited)
	require.Len(t, citations, 2)
	require.Equal(t, 1, citations[0].Number)
	require.Equal(t, 2, citations[1].Number)
}

func TestConverseHandlesLLMError(t *testing.T) {
	store := newTestStore(t)
	llm := erroringLLM{}
	a := New("e1", "Acme", "", store, llm, costmeter.New(nil), "gpt-4o-mini", 0.2)

	events := a.Converse(context.Background(), []Message{{Role: "user", Content: "hi"}})
	var terminal *Event
	for ev := range events {
		if ev.Kind == EventTerminal {
			e := ev
			terminal = &e
		}
	}
	require.NotNil(t, terminal)
	require.NotEmpty(t, terminal.Content)
}

func TestConverseTerminatesOnInvalidToolArguments(t *testing.T) {
	store := newTestStore(t)
	llm := &scriptedLLM{turns: [][]StreamChunk{
		{
			{ToolCalls: []ToolCall{{ID: "call1", Name: "semantic_search_within_entity", Arguments: `{not json`}}, FinishReason: "tool_calls"},
		},
	}}

	a := New("e1", "Acme", "", store, llm, costmeter.New(nil), "gpt-4o-mini", 0.2)
	events := a.Converse(context.Background(), []Message{{Role: "user", Content: "hi"}})

	var terminal *Event
	for ev := range events {
		if ev.Kind == EventTerminal {
			e := ev
			terminal = &e
		}
	}
	require.NotNil(t, terminal)
	require.NotEmpty(t, terminal.Content)
	require.Equal(t, 1, llm.calls, "the loop must not recurse into a second LLM call after an arg-parse failure")
}

func TestConverseEstimatesCostWhenUsageAbsent(t *testing.T) {
	store := newTestStore(t)
	llm := &scriptedLLM{turns: [][]StreamChunk{
		{
			{ContentDelta: "Here is an answer with no usage reported."},
			{FinishReason: "stop"},
		},
	}}

	a := New("e1", "Acme", "", store, llm, costmeter.New(nil), "gpt-4o-mini", 0.2)
	events := a.Converse(context.Background(), []Message{{Role: "user", Content: "hi"}})

	var sawUsage bool
	var cost float64
	for ev := range events {
		if ev.Kind == EventUsage {
			sawUsage = true
			cost = ev.CostUSD
		}
	}
	require.True(t, sawUsage, "cost must still be estimated when the provider reports no usage")
	require.Greater(t, cost, 0.0)
}

type erroringLLM struct{}

func (erroringLLM) StreamChatCompletion(ctx context.Context, model string, temperature float64, messages []Message, tools []ToolSpec) (<-chan StreamChunk, error) {
	return nil, errBoom
}

var errBoom = errors.New("llm unreachable")
