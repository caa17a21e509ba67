// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// =============================================================================
// OPENAI PROVIDER
// =============================================================================

// OpenAIProvider streams chat completions through the OpenAI API.
type OpenAIProvider struct {
	client *openai.Client
	logger *zap.Logger
	apiKey string
}

// NewOpenAIProvider creates an OpenAI provider. The key may be empty;
// StreamChat then fails with ErrNotConfigured.
func NewOpenAIProvider(apiKey string, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OpenAIProvider{
		logger: logger,
		apiKey: apiKey,
	}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// NewOpenAIProviderWithBaseURL creates a provider pointed at a custom API
// base URL, used by tests to target a local fake.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string, logger *zap.Logger) *OpenAIProvider {
	p := NewOpenAIProvider(apiKey, logger)
	if apiKey != "" && baseURL != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		p.client = openai.NewClientWithConfig(cfg)
	}
	return p
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// IsConfigured reports whether an API key is present.
func (p *OpenAIProvider) IsConfigured() bool {
	return p.client != nil
}

// StreamChat implements Provider using the native streaming API.
func (p *OpenAIProvider) StreamChat(ctx context.Context, model string, messages []Message, fn StreamFunc) error {
	if p.client == nil {
		return ErrNotConfigured
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
		Stream:   true,
	}
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	upstream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("openai stream request failed: %w", err)
	}
	defer upstream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("openai stream read failed: %w", err)
		}

		if len(resp.Choices) > 0 {
			if content := resp.Choices[0].Delta.Content; content != "" {
				fn(content)
			}
		}
	}
}
