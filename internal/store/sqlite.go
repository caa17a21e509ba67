// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	model      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);

CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations(updated_at DESC);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// Store persists conversations and messages in a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database at the given path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create database directory if needed
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON", // Required for message cascade delete
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("STORE_OPEN",
		zap.String("path", path),
	)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// GATEWAY OPERATIONS
// =============================================================================

// CreateConversation creates a new conversation and returns its ID.
func (s *Store) CreateConversation(ctx context.Context, title, model string) (string, error) {
	id := generateConversationID()
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, model, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return "", &StorageError{Op: "create", Message: "failed to create conversation", Err: err}
	}

	s.logger.Info("CONVERSATION_CREATE",
		zap.String("id", id),
		zap.String("model", model),
	)
	return id, nil
}

// AppendMessage appends a message to a conversation and returns the message
// ID. The conversation's updated timestamp is refreshed in the same
// transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &StorageError{Op: "append", Message: "failed to begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := conversationExists(ctx, tx, conversationID); err != nil {
		return "", err
	}

	id := generateMessageID()
	now := time.Now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, conversationID, role, content, now.UnixNano(),
	)
	if err != nil {
		return "", &StorageError{Op: "append", Message: "failed to insert message", Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		now.UnixNano(), conversationID,
	)
	if err != nil {
		return "", &StorageError{Op: "append", Message: "failed to touch conversation", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &StorageError{Op: "append", Message: "failed to commit", Err: err}
	}
	return id, nil
}

// SetModel updates the selected model for an existing conversation.
func (s *Store) SetModel(ctx context.Context, conversationID, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET model = ?, updated_at = ? WHERE id = ?`,
		model, time.Now().UnixNano(), conversationID,
	)
	if err != nil {
		return &StorageError{Op: "set_model", Message: "failed to update model", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "set_model", Message: "failed to check update", Err: err}
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// GetConversation fetches a conversation with its messages in creation
// order. Returns nil with no error when the conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv Conversation
	var created, updated int64
	err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Message: "failed to load conversation", Err: err}
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, &StorageError{Op: "get", Message: "failed to load messages", Err: err}
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, &StorageError{Op: "get", Message: "failed to scan message", Err: err}
		}
		msg.ConversationID = id
		msg.CreatedAt = time.Unix(0, ts)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get", Message: "failed to iterate messages", Err: err}
	}

	return &Snapshot{Conversation: conv, Messages: messages}, nil
}

// =============================================================================
// LIST / DELETE
// =============================================================================

// ListConversations returns conversation metadata, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, &StorageError{Op: "list", Message: "failed to list conversations", Err: err}
	}
	defer rows.Close()

	var metas []ConversationMeta
	for rows.Next() {
		var meta ConversationMeta
		var created, updated int64
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Model, &created, &updated, &meta.MessageCount); err != nil {
			return nil, &StorageError{Op: "list", Message: "failed to scan conversation", Err: err}
		}
		meta.CreatedAt = time.Unix(0, created)
		meta.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Message: "failed to iterate conversations", Err: err}
	}
	return metas, nil
}

// DeleteConversation removes a conversation and, via the foreign key
// cascade, all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return &StorageError{Op: "delete", Message: "failed to delete conversation", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "delete", Message: "failed to check delete", Err: err}
	}
	if n == 0 {
		return ErrConversationNotFound
	}

	s.logger.Info("CONVERSATION_DELETE",
		zap.String("id", id),
	)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// conversationExists reports ErrConversationNotFound when the given
// conversation is absent.
func conversationExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return &StorageError{Op: "append", Message: "failed to check conversation", Err: err}
	}
	return nil
}
