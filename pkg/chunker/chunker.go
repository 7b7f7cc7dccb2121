// Package chunker defines the file-bytes->ordered-chunks collaborator
// interface, an HTTP client for the external chunking service, and the
// fixed-size fallback chunker used whenever that service is unreachable.
package chunker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// Chunk is one ordered slice of a document returned by a Chunker.
type Chunk struct {
	Content         string         `json:"content"`
	ChunkOrderIndex int            `json:"chunk_order_index"`
	Source          string         `json:"source,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Chunker turns raw file bytes into an ordered slice of Chunks.
type Chunker interface {
	Chunk(ctx context.Context, filename string, data []byte, source string) ([]Chunk, error)
}

// fallbackWindowSize matches the reference implementation's degraded-mode
// window: 1000 raw UTF-8 bytes per chunk.
const fallbackWindowSize = 1000

// Fallback performs naive fixed-size windowing over the raw bytes. It is
// deliberately retained as a degraded mode rather than an error path: the
// core must keep working when the external chunking service is down.
func Fallback(data []byte, source string) []Chunk {
	if len(data) == 0 {
		return nil
	}
	var chunks []Chunk
	for i, idx := 0, 0; i < len(data); i += fallbackWindowSize {
		end := i + fallbackWindowSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{
			Content:         string(data[i:end]),
			ChunkOrderIndex: idx,
			Source:          source,
		})
		idx++
	}
	return chunks
}

// HTTPClient talks to an external chunking service: submit, poll status
// with a real (non-degenerate) exponential backoff capped at 5s, then
// fetch the result. Any failure along the way — including the service
// being entirely unreachable — falls back to Fallback rather than
// failing the ingest.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewHTTPClient builds a chunker client pointed at baseURL.
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status string `json:"status"` // queued | processing | completed | failed
}

type resultResponse struct {
	Success bool    `json:"success"`
	Chunks  []Chunk `json:"chunks"`
}

// Chunk submits data for external chunking, polls for completion with
// exponential backoff (250ms, 500ms, 1s, 2s, 4s, then capped at 5s), and
// returns the resulting chunks. On any transport or service-side failure
// it logs and falls back to fixed-size windowing instead of propagating
// the error — matching the external-collaborator-down degraded mode the
// rest of the system relies on.
func (c *HTTPClient) Chunk(ctx context.Context, filename string, data []byte, source string) ([]Chunk, error) {
	taskID, err := c.submit(ctx, filename, data, source)
	if err != nil {
		c.Logger.Warn("chunker submit failed, falling back to fixed-size chunking", "error", err)
		return Fallback(data, source), nil
	}

	if err := c.pollUntilDone(ctx, taskID); err != nil {
		c.Logger.Warn("chunker polling failed, falling back to fixed-size chunking", "error", err, "task_id", taskID)
		return Fallback(data, source), nil
	}

	chunks, err := c.fetchResult(ctx, taskID)
	if err != nil {
		c.Logger.Warn("chunker result fetch failed, falling back to fixed-size chunking", "error", err, "task_id", taskID)
		return Fallback(data, source), nil
	}
	if len(chunks) == 0 {
		c.Logger.Warn("chunker returned zero chunks, falling back to fixed-size chunking", "task_id", taskID)
		return Fallback(data, source), nil
	}
	return chunks, nil
}

func (c *HTTPClient) submit(ctx context.Context, filename string, data []byte, source string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if source != "" {
		writer.WriteField("source", source)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/submit", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chunker submit: unexpected status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *HTTPClient) pollUntilDone(ctx context.Context, taskID string) error {
	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		status, err := c.fetchStatus(ctx, taskID)
		if err != nil {
			return err
		}
		switch status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("chunker task %s failed", taskID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *HTTPClient) fetchStatus(ctx context.Context, taskID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status/"+taskID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chunker status: unexpected status %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *HTTPClient) fetchResult(ctx context.Context, taskID string) ([]Chunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/result/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunker result: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out resultResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("chunker result: task %s reported failure", taskID)
	}
	return out.Chunks, nil
}
