// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider contains the upstream model clients and the model
// catalog that maps public model identifiers to a provider+model pair.
package provider

import (
	"context"
	"errors"
)

// =============================================================================
// TYPES
// =============================================================================

// Message is one turn of the conversation sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamFunc is called for each decoded text increment received from the
// upstream model.
type StreamFunc func(text string)

// Provider streams chat completions from an upstream model service.
type Provider interface {
	// Name identifies the provider ("openai", "openrouter").
	Name() string

	// StreamChat sends the messages to the upstream model and invokes fn
	// for each text increment. Returns nil on normal completion and
	// ctx.Err() when the context is cancelled mid-stream.
	StreamChat(ctx context.Context, model string, messages []Message, fn StreamFunc) error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotConfigured is returned when a provider is missing its API key.
var ErrNotConfigured = errors.New("provider not configured: missing API key")
