// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"sync"
)

// =============================================================================
// MODEL CATALOG
// =============================================================================

// ModelInfo describes one recognized model identifier.
type ModelInfo struct {
	// ID is the public identifier clients send ("gpt-4.1-mini").
	ID string `json:"id"`
	// Label is the human-readable name shown in pickers.
	Label string `json:"label"`
	// Provider names the upstream client ("openai", "openrouter").
	Provider string `json:"provider"`
	// Upstream is the model identifier sent to the provider, when it
	// differs from ID.
	Upstream string `json:"upstream,omitempty"`
	// Default marks the fallback model for unrecognized identifiers.
	Default bool `json:"default,omitempty"`
}

// UpstreamModel returns the identifier to send to the provider.
func (m ModelInfo) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

// defaultModels is the built-in catalog.
func defaultModels() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-3-5-sonnet", Label: "Claude 3.5 Sonnet", Provider: "openrouter", Upstream: "anthropic/claude-3.5-sonnet"},
		{ID: "gpt-4.1-mini", Label: "GPT-4.1 Mini", Provider: "openai", Default: true},
		{ID: "gpt-4.1", Label: "GPT-4.1", Provider: "openai"},
		{ID: "gpt-4o", Label: "GPT-4o", Provider: "openai"},
		{ID: "gpt-4o-mini", Label: "GPT-4o Mini", Provider: "openai"},
		{ID: "gpt-3.5-turbo", Label: "GPT-3.5 Turbo", Provider: "openai"},
	}
}

// Catalog resolves model identifiers to provider+model pairs. It is safe
// for concurrent use; the model set can be swapped at runtime by config
// reload.
type Catalog struct {
	mu     sync.RWMutex
	models []ModelInfo
}

// NewCatalog creates a catalog with the built-in model set.
func NewCatalog() *Catalog {
	return &Catalog{models: defaultModels()}
}

// SetModels replaces the model set. An empty or default-less set falls
// back to the built-in catalog so resolution always has a default.
func (c *Catalog) SetModels(models []ModelInfo) {
	if len(models) == 0 {
		models = defaultModels()
	}
	hasDefault := false
	for _, m := range models {
		if m.Default {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		models = append([]ModelInfo(nil), models...)
		models[0].Default = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = models
}

// List returns the current model set.
func (c *Catalog) List() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Default returns the fallback model.
func (c *Catalog) Default() ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.Default {
			return m
		}
	}
	return c.models[0]
}

// Resolve maps a model identifier to its catalog entry. Unrecognized or
// empty identifiers resolve to the default model, never an error.
func (c *Catalog) Resolve(id string) ModelInfo {
	c.mu.RLock()
	for _, m := range c.models {
		if m.ID == id {
			c.mu.RUnlock()
			return m
		}
	}
	c.mu.RUnlock()
	return c.Default()
}

// Known reports whether the identifier is in the catalog.
func (c *Catalog) Known(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.ID == id {
			return true
		}
	}
	return false
}
