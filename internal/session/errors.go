// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrBusy is returned by Submit while a previous stream is still active.
// Use errors.Is(err, ErrBusy) to check for this error.
var ErrBusy = errors.New("a send is already in progress")

// ErrConversationNotFound is returned by Resume when the gateway has no
// conversation with the requested id.
var ErrConversationNotFound = errors.New("conversation not found")

// CreateConversationError indicates the conversation creation call failed.
// The send is aborted and no visible state is mutated.
type CreateConversationError struct {
	Err error
}

// Error implements the error interface.
func (e *CreateConversationError) Error() string {
	return fmt.Sprintf("create conversation failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *CreateConversationError) Unwrap() error {
	return e.Err
}

// AppendError indicates a message-persist call failed. It is logged and
// never rolled back; the in-memory message is retained.
type AppendError struct {
	Role string // Role of the message that failed to persist
	Err  error
}

// Error implements the error interface.
func (e *AppendError) Error() string {
	return fmt.Sprintf("append %s message failed: %v", e.Role, e.Err)
}

// Unwrap returns the underlying error.
func (e *AppendError) Unwrap() error {
	return e.Err
}

// StreamTransportError indicates a network or read failure mid-stream,
// preserving any partial content received before the failure. The partial
// text has already been persisted (when non-empty) by the time this error
// is returned.
type StreamTransportError struct {
	Partial string // Content received before the failure
	Err     error
}

// Error implements the error interface.
func (e *StreamTransportError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamTransportError) Unwrap() error {
	return e.Err
}
