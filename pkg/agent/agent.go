// Package agent implements the streaming, tool-calling research loop
// bound to one entity's vector store: ResearchAgent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/entityscoped/ragserver/pkg/costmeter"
	"github.com/entityscoped/ragserver/pkg/vectorstore"
)

// Event kinds mirror the spec's ResponseEvent contract — a lazy,
// potentially infinite producer collapsed here into a channel of typed
// events rather than a recursive async generator.
const (
	EventDelta    = "delta"
	EventUpdate   = "update"
	EventUsage    = "usage"
	EventTerminal = "terminal"
)

// Event is one item yielded by Converse.
type Event struct {
	Kind string

	Delta string // EventDelta

	NodeIDs         []string           // EventUpdate
	RelationshipIDs []string           // EventUpdate
	Services        []costmeter.Service // not set by Converse: always empty

	CostUSD float64 // EventUsage

	Content      string   // EventTerminal: full assistant text
	CitedNodeIDs []string // EventTerminal
}

// citationPattern matches the literal inline-citation form the system
// prompt instructs the model to emit: [[N](node_id)].
var citationPattern = regexp.MustCompile(`\[\[(\d+)\]\(([^)]+)\)\]`)

const maxToolCallDepth = 8

// Agent is a ResearchAgent bound at construction to one entity.
type Agent struct {
	entityID   string
	entityName string
	entityDir  string
	store      *vectorstore.Store
	llm        LLM
	meter      *costmeter.Meter
	model      string
	temperature float64
}

// New binds a ResearchAgent to one entity's vector store, using model
// and temperature as configured for chat completions.
func New(entityID, entityName, entityDir string, store *vectorstore.Store, llm LLM, meter *costmeter.Meter, model string, temperature float64) *Agent {
	return &Agent{
		entityID:    entityID,
		entityName:  entityName,
		entityDir:   entityDir,
		store:       store,
		llm:         llm,
		meter:       meter,
		model:       model,
		temperature: temperature,
	}
}

func (a *Agent) systemPrompt() string {
	return fmt.Sprintf(
		"You are a research assistant answering questions about %q using only its indexed content. "+
			"Use the provided tools to search and navigate chunks; never invent content not returned by a tool. "+
			"When you state a fact drawn from a tool result, cite it inline in the exact literal form "+
			"[[N](node_id)], copying node_id verbatim from the tool result that supplied it, where N is a "+
			"1-based citation number you assign in order of first use.",
		a.entityName,
	)
}

// Converse runs one full turn — including every recursive tool-call
// sub-turn — to completion, emitting exactly one terminal event before
// the returned channel closes. The recursion the reference implements as
// a self-calling async generator is here a loop over a mutable
// transcript, per the design's note that the recursion is a tail-call.
func (a *Agent) Converse(ctx context.Context, transcript []Message) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		a.run(ctx, transcript, out)
	}()
	return out
}

func (a *Agent) run(ctx context.Context, transcript []Message, out chan<- Event) {
	full := make([]Message, 0, len(transcript)+1)
	full = append(full, Message{Role: "system", Content: a.systemPrompt()})
	full = append(full, transcript...)

	var (
		seenNodes  []string
		seenRels   []string
		seenNodeSet = map[string]bool{}
		seenRelSet  = map[string]bool{}
		content    string
		lastUsage  *Usage
	)

	for depth := 0; depth < maxToolCallDepth; depth++ {
		chunks, err := a.llm.StreamChatCompletion(ctx, a.model, a.temperature, full, toolSet())
		if err != nil {
			out <- Event{Kind: EventTerminal, Content: "I ran into a problem reaching the language model and couldn't complete this turn."}
			return
		}

		var turnContent string
		var finishReason string
		var toolCalls []ToolCall

		for chunk := range chunks {
			if chunk.ContentDelta != "" {
				turnContent += chunk.ContentDelta
				out <- Event{Kind: EventDelta, Delta: chunk.ContentDelta}
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = chunk.ToolCalls
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				lastUsage = chunk.Usage
			}
		}
		content += turnContent

		if finishReason == "tool_calls" && len(toolCalls) > 0 {
			full = append(full, Message{Role: "assistant", Content: turnContent, ToolCalls: toolCalls})

			for _, call := range toolCalls {
				result, err := dispatch(ctx, a.store, a.entityID, call)
				if errors.Is(err, errInvalidToolArguments) {
					out <- Event{Kind: EventTerminal, Content: "I'm sorry, I ran into a problem understanding a tool request and can't finish this turn."}
					return
				}
				var toolContent string
				if err != nil {
					toolContent = fmt.Sprintf(`{"error": %q}`, err.Error())
				} else {
					payload, marshalErr := json.Marshal(result.Content)
					if marshalErr != nil {
						toolContent = `{"error": "failed to serialize tool result"}`
					} else {
						toolContent = string(payload)
					}
					for _, n := range result.NodeIDs {
						if !seenNodeSet[n] {
							seenNodeSet[n] = true
							seenNodes = append(seenNodes, n)
						}
					}
					for _, r := range result.RelationshipIDs {
						if !seenRelSet[r] {
							seenRelSet[r] = true
							seenRels = append(seenRels, r)
						}
					}
				}
				full = append(full, Message{Role: "tool", Content: toolContent, ToolCallID: call.ID})
			}

			out <- Event{Kind: EventUpdate, NodeIDs: seenNodes, RelationshipIDs: seenRels}
			continue // recursive sub-turn with the augmented transcript
		}

		// finishReason == "stop" (or the stream ended without a tool call)
		break
	}

	citedNodeIDs, citations := parseCitations(content)
	_ = citations

	if a.meter != nil {
		var promptTokens, completionTokens, cachedTokens int
		if lastUsage != nil && (lastUsage.PromptTokens > 0 || lastUsage.CompletionTokens > 0) {
			promptTokens, completionTokens, cachedTokens = lastUsage.PromptTokens, lastUsage.CompletionTokens, lastUsage.CachedTokens
		} else {
			// The provider reported no (or zero) usage for this turn —
			// estimate from content rather than billing nothing.
			for _, msg := range full {
				promptTokens += costmeter.EstimateTokens(msg.Content)
			}
			completionTokens = costmeter.EstimateTokens(content)
		}
		cost := a.meter.Cost(a.model, promptTokens, completionTokens, cachedTokens)
		out <- Event{Kind: EventUsage, CostUSD: cost}
	}

	out <- Event{Kind: EventTerminal, Content: content, CitedNodeIDs: citedNodeIDs}
}

// citation is one parsed inline reference.
type citation struct {
	Number int
	NodeID string
}

// parseCitations extracts every [[N](node_id)] occurrence from content
// and deduplicates by node id, keeping the first occurrence's number and
// insertion order — a repeated citation of the same node later in the
// text does not add a second entry.
func parseCitations(content string) ([]string, []citation) {
	matches := citationPattern.FindAllStringSubmatch(content, -1)
	var citedNodeIDs []string
	var citations []citation
	seen := map[string]bool{}
	for _, m := range matches {
		nodeID := m[2]
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		citations = append(citations, citation{Number: n, NodeID: nodeID})
		citedNodeIDs = append(citedNodeIDs, nodeID)
	}
	return citedNodeIDs, citations
}
