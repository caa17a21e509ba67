// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"

	"github.com/morganforge/chatstream/internal/session"
	"github.com/morganforge/chatstream/internal/store"
)

// =============================================================================
// STORE GATEWAY ADAPTER
// =============================================================================

// StoreGateway adapts the SQLite store to the session's persistence
// interface.
type StoreGateway struct {
	store *store.Store
}

// NewStoreGateway wraps a store.
func NewStoreGateway(s *store.Store) *StoreGateway {
	return &StoreGateway{store: s}
}

// CreateConversation implements session.Gateway.
func (g *StoreGateway) CreateConversation(ctx context.Context, title, model string) (string, error) {
	return g.store.CreateConversation(ctx, title, model)
}

// AppendMessage implements session.Gateway.
func (g *StoreGateway) AppendMessage(ctx context.Context, conversationID, role, content string) (string, error) {
	return g.store.AppendMessage(ctx, conversationID, role, content)
}

// SetModel implements session.Gateway.
func (g *StoreGateway) SetModel(ctx context.Context, conversationID, model string) error {
	return g.store.SetModel(ctx, conversationID, model)
}

// GetConversation implements session.Gateway, converting the stored shape
// to the session's snapshot.
func (g *StoreGateway) GetConversation(ctx context.Context, id string) (*session.Snapshot, error) {
	snap, err := g.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	out := &session.Snapshot{
		ID:       snap.Conversation.ID,
		Title:    snap.Conversation.Title,
		Model:    snap.Conversation.Model,
		Messages: make([]session.Message, len(snap.Messages)),
	}
	for i, m := range snap.Messages {
		out.Messages[i] = session.Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}
