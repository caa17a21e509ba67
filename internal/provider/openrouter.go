// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// =============================================================================
// OPENROUTER PROVIDER
// =============================================================================

// DefaultOpenRouterBaseURL is the OpenRouter API base.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// maxEventSize is the maximum allowed size for a single SSE event (64KB).
const maxEventSize = 64 * 1024

// streamingClient is shared across requests. Streaming responses have no
// overall timeout; the per-request context bounds them instead.
var streamingClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	},
}

// OpenRouterProvider streams chat completions through the OpenRouter API.
// OpenRouter speaks the OpenAI wire shape over SSE.
type OpenRouterProvider struct {
	apiKey  string
	baseURL string
	rest    *resty.Client
	logger  *zap.Logger
}

// NewOpenRouterProvider creates an OpenRouter provider. The key may be
// empty; StreamChat then fails with ErrNotConfigured.
func NewOpenRouterProvider(apiKey string, logger *zap.Logger) *OpenRouterProvider {
	return NewOpenRouterProviderWithBaseURL(apiKey, DefaultOpenRouterBaseURL, logger)
}

// NewOpenRouterProviderWithBaseURL creates a provider pointed at a custom
// API base URL, used by tests to target a local fake.
func NewOpenRouterProviderWithBaseURL(apiKey, baseURL string, logger *zap.Logger) *OpenRouterProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rest.SetAuthToken(apiKey)
	}
	return &OpenRouterProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		rest:    rest,
		logger:  logger,
	}
}

// Name implements Provider.
func (p *OpenRouterProvider) Name() string {
	return "openrouter"
}

// IsConfigured reports whether an API key is present.
func (p *OpenRouterProvider) IsConfigured() bool {
	return p.apiKey != ""
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// chatRequest is the OpenRouter chat completions request body.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// streamChunk is one SSE chunk of an OpenRouter streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat implements Provider by parsing the SSE response body.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, model string, messages []Message, fn StreamFunc) error {
	if p.apiKey == "" {
		return ErrNotConfigured
	}

	bodyBytes, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := streamingClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openrouter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
		return fmt.Errorf("openrouter returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return p.processStream(ctx, resp.Body, fn)
}

// processStream reads and processes the SSE stream.
func (p *OpenRouterProvider) processStream(ctx context.Context, body io.Reader, fn StreamFunc) error {
	reader := newSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := reader.readEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("openrouter stream read failed: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		if len(chunk.Choices) > 0 {
			if content := chunk.Choices[0].Delta.Content; content != "" {
				fn(content)
			}
			if chunk.Choices[0].FinishReason != "" {
				return nil
			}
		}
	}
}

// =============================================================================
// NON-STREAMING CHAT
// =============================================================================

// chatResponse is a non-streaming OpenRouter chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat performs a non-streaming completion and returns the full assistant
// text. Used where incremental delivery has no consumer.
func (p *OpenRouterProvider) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	if p.apiKey == "" {
		return "", ErrNotConfigured
	}

	var out chatResponse
	resp, err := p.rest.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: model, Messages: messages}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("openrouter chat request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("openrouter chat returned %d: %s", resp.StatusCode(), bytes.TrimSpace(resp.Body()))
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter chat returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent reads the data of the next SSE event. Returns io.EOF when the
// stream ends.
func (s *sseReader) readEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			if len(data) > maxEventSize {
				return nil, fmt.Errorf("sse event exceeds %d bytes", maxEventSize)
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments starting with :)
	}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// UpstreamModel is one model entry from the OpenRouter /models endpoint.
type UpstreamModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// modelsResponse is the OpenRouter /models response body.
type modelsResponse struct {
	Data []UpstreamModel `json:"data"`
}

// ListModels fetches the models available upstream.
func (p *OpenRouterProvider) ListModels(ctx context.Context) ([]UpstreamModel, error) {
	var out modelsResponse
	resp, err := p.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/models")
	if err != nil {
		return nil, fmt.Errorf("openrouter models request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("openrouter models returned %d", resp.StatusCode())
	}
	return out.Data, nil
}
