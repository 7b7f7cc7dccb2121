// Package llmclient implements the concrete OpenAI/Azure OpenAI
// streaming chat-completions adapter behind the agent.LLM interface. The
// core agent package depends only on that interface; this is the
// swappable concrete collaborator, grounded on the teacher's own
// concrete-adapter-behind-an-interface shape for its LLM client.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/entityscoped/ragserver/pkg/agent"
)

// Config selects and authenticates the concrete provider. When
// AzureEndpoint is non-empty the client talks to Azure OpenAI; otherwise
// it talks to the standard OpenAI (or OpenAI-compatible) endpoint named
// by BaseURL.
type Config struct {
	APIKey         string
	BaseURL        string // optional override for OpenAI-compatible endpoints
	AzureEndpoint  string // non-empty selects the Azure code path
	AzureDeployment string
	AzureAPIVersion string
}

// Client adapts go-openai's streaming chat completions to agent.LLM.
type Client struct {
	inner  *openai.Client
	logger *slog.Logger
}

// New builds a Client from cfg.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var oaiConfig openai.ClientConfig
	if cfg.AzureEndpoint != "" {
		oaiConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.AzureEndpoint)
		if cfg.AzureAPIVersion != "" {
			oaiConfig.APIVersion = cfg.AzureAPIVersion
		}
		if cfg.AzureDeployment != "" {
			oaiConfig.AzureModelMapperFunc = func(model string) string {
				return cfg.AzureDeployment
			}
		}
	} else {
		oaiConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oaiConfig.BaseURL = cfg.BaseURL
		}
	}
	return &Client{inner: openai.NewClientWithConfig(oaiConfig), logger: logger}
}

// StreamChatCompletion implements agent.LLM.
func (c *Client) StreamChatCompletion(ctx context.Context, model string, temperature float64, messages []agent.Message, tools []agent.ToolSpec) (<-chan agent.StreamChunk, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		Messages:    toOpenAIMessages(messages),
		Tools:       toOpenAITools(tools),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := c.inner.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var pendingCalls []openai.ToolCall
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Warn("llmclient: stream recv failed", "error", err)
				return
			}

			if resp.Usage != nil {
				cached := 0
				if resp.Usage.PromptTokensDetails != nil {
					cached = resp.Usage.PromptTokensDetails.CachedTokens
				}
				out <- agent.StreamChunk{Usage: &agent.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					CachedTokens:     cached,
				}}
			}

			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				out <- agent.StreamChunk{ContentDelta: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				pendingCalls = mergeToolCallDelta(pendingCalls, tc)
			}

			if choice.FinishReason != "" {
				out <- agent.StreamChunk{
					FinishReason: string(choice.FinishReason),
					ToolCalls:    fromOpenAIToolCalls(pendingCalls),
				}
			}
		}
	}()
	return out, nil
}

// mergeToolCallDelta folds one streamed tool-call delta into the
// accumulated-so-far list, matching go-openai's index-addressed
// incremental tool-call protocol (name/id arrive once, arguments stream
// in fragments keyed by the same index).
func mergeToolCallDelta(calls []openai.ToolCall, delta openai.ToolCall) []openai.ToolCall {
	idx := 0
	if delta.Index != nil {
		idx = *delta.Index
	}
	for len(calls) <= idx {
		calls = append(calls, openai.ToolCall{})
	}
	if delta.ID != "" {
		calls[idx].ID = delta.ID
	}
	if delta.Function.Name != "" {
		calls[idx].Function.Name = delta.Function.Name
	}
	calls[idx].Function.Arguments += delta.Function.Arguments
	calls[idx].Type = openai.ToolTypeFunction
	return calls
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []agent.ToolCall {
	out := make([]agent.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, agent.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

func toOpenAIMessages(messages []agent.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}
