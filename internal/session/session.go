// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements the conversation state machine driving a chat
// exchange: lazy conversation creation, optimistic message append, a
// streaming model invocation with cooperative cancellation, and
// reconciliation of the final assistant text back into the persistence
// gateway.
//
// A Session is owned by one conversation view. Switching conversations
// means discarding the Session and constructing a fresh one (see Resume),
// never reusing it, so no state bleeds between conversations.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/morganforge/chatstream/internal/stream"
	"github.com/morganforge/chatstream/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// titleRuneLimit is the number of leading characters of the first user
// message used as the conversation title.
const titleRuneLimit = 30

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Message is one turn of the in-memory conversation. Optimistic messages
// carry a client-generated id until persistence assigns a durable one;
// display order is CreatedAt ascending.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a conversation with its ordered messages as loaded from the
// gateway.
type Snapshot struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Gateway is the persistence surface the state machine depends on. Calls
// are assumed to be network round-trips; the machine accepts eventual, not
// linearizable, consistency.
type Gateway interface {
	// CreateConversation creates a conversation and returns its id.
	CreateConversation(ctx context.Context, title, model string) (string, error)
	// AppendMessage appends a message, refreshing the conversation's
	// updated timestamp, and returns the durable message id.
	AppendMessage(ctx context.Context, conversationID, role, content string) (string, error)
	// SetModel updates the selected model of an existing conversation.
	SetModel(ctx context.Context, conversationID, model string) error
	// GetConversation returns the conversation with its messages, or nil
	// when no conversation has that id.
	GetConversation(ctx context.Context, id string) (*Snapshot, error)
}

// Endpoint opens a model invocation. The returned body streams raw
// assistant text and must observe ctx for cancellation.
type Endpoint interface {
	Invoke(ctx context.Context, model string, messages []Message) (io.ReadCloser, error)
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the conversation state machine. All exported methods are safe
// for concurrent use; Submit itself never overlaps with a second Submit
// (the second call is rejected with ErrBusy).
type Session struct {
	gateway  Gateway
	endpoint Endpoint
	logger   *zap.Logger

	mu             sync.Mutex
	conversationID string
	model          string
	messages       []Message
	streaming      bool

	observerSeq int
	observers   map[int]func([]Message)

	cancelMgr *canceller
}

// New creates a session with no conversation. The conversation is created
// lazily on the first Submit.
func New(gateway Gateway, endpoint Endpoint, model string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		gateway:   gateway,
		endpoint:  endpoint,
		logger:    logger,
		model:     model,
		observers: make(map[int]func([]Message)),
		cancelMgr: &canceller{},
	}
}

// Resume constructs a fresh session seeded with an existing conversation's
// persisted messages and model. Returns ErrConversationNotFound when the
// gateway has no such conversation.
func Resume(ctx context.Context, gateway Gateway, endpoint Endpoint, id string, logger *zap.Logger) (*Session, error) {
	snap, err := gateway.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrConversationNotFound
	}

	s := New(gateway, endpoint, snap.Model, logger)
	s.conversationID = snap.ID
	s.messages = append(s.messages, snap.Messages...)
	return s, nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// ConversationID returns the conversation id, or "" before the first
// successful Submit.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Model returns the currently selected model identifier.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// IsStreaming reports whether a send is in progress.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Messages returns a copy of the in-memory message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscribe registers an observer that receives a full snapshot of the
// message list after every visible change. There is no partial-diff
// guarantee: observers always get the complete new state. The returned
// function unsubscribes.
func (s *Session) Subscribe(fn func([]Message)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observerSeq++
	id := s.observerSeq
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// notify delivers the current snapshot to all observers. Called without
// the lock held.
func (s *Session) notify() {
	s.mu.Lock()
	snapshot := make([]Message, len(s.messages))
	copy(snapshot, s.messages)
	fns := make([]func([]Message), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// =============================================================================
// MODEL SELECTION
// =============================================================================

// SetModel updates the selected model. The in-memory selection changes
// immediately; if a conversation exists the change is also persisted, and
// a persistence failure is logged without rolling back the selection.
func (s *Session) SetModel(ctx context.Context, model string) {
	s.mu.Lock()
	s.model = model
	conversationID := s.conversationID
	s.mu.Unlock()

	if conversationID == "" {
		return
	}
	if err := s.gateway.SetModel(ctx, conversationID, model); err != nil {
		s.logger.Warn("MODEL_PERSIST_FAIL",
			zap.String("conversation", conversationID),
			zap.String("model", model),
			zap.Error(err),
		)
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit sends one user message and streams the assistant reply.
//
// The pipeline: create the conversation if none exists, append the user
// message optimistically, persist it, open the model invocation, insert an
// empty assistant placeholder, fold each text increment into the
// placeholder as a running total, and persist the accumulated text once at
// the terminal outcome when it is non-empty. Cancellation and transport
// failure both take that same partial-persist path.
//
// Returns ErrBusy while a previous send is active, a
// *CreateConversationError when conversation creation fails (the send is
// aborted with no visible mutation), and a *StreamTransportError after a
// mid-stream failure. A user-initiated cancel is a normal outcome and
// returns nil. Persistence append failures are logged, never returned.
func (s *Session) Submit(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrBusy
	}
	s.streaming = true
	conversationID := s.conversationID
	model := s.model
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}()

	// Lazy conversation creation on first message
	if conversationID == "" {
		id, err := s.gateway.CreateConversation(ctx, titleFromContent(content), model)
		if err != nil {
			s.logger.Error("CONVERSATION_CREATE_FAIL", zap.Error(err))
			return &CreateConversationError{Err: err}
		}
		s.mu.Lock()
		s.conversationID = id
		s.mu.Unlock()
		conversationID = id

		s.logger.Info("CONVERSATION_CREATE",
			zap.String("conversation", id),
			zap.String("model", model),
		)
	}

	// Optimistic user append: visible before persistence confirms
	userMsg := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.messages = append(s.messages, userMsg)
	history := make([]Message, len(s.messages))
	copy(history, s.messages)
	s.mu.Unlock()
	s.notify()

	// User message persists before the model invocation opens; failure is
	// logged and the optimistic message stays
	if _, err := s.gateway.AppendMessage(ctx, conversationID, RoleUser, content); err != nil {
		s.logger.Warn("MESSAGE_PERSIST_FAIL",
			zap.String("conversation", conversationID),
			zap.Error(&AppendError{Role: RoleUser, Err: err}),
		)
	}

	return s.streamAssistant(ctx, conversationID, model, history)
}

// streamAssistant runs the model invocation and the read loop, then
// reconciles the accumulated text.
func (s *Session) streamAssistant(ctx context.Context, conversationID, model string, history []Message) error {
	streamCtx, cancelFn := context.WithCancel(ctx)
	s.cancelMgr.arm(cancelFn)
	defer s.cancelMgr.clear()

	// Empty placeholder with a stable id, inserted before the first chunk
	// so the UI can key a typing affordance on it
	placeholder := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	placeholderIdx := len(s.messages)
	s.messages = append(s.messages, placeholder)
	s.mu.Unlock()
	s.notify()

	s.logger.Info("STREAM_START",
		zap.String("conversation", conversationID),
		zap.String("model", model),
	)

	var total strings.Builder

	body, err := s.endpoint.Invoke(streamCtx, model, history)
	if err != nil {
		if streamCtx.Err() != nil {
			return s.finishStream(ctx, conversationID, placeholderIdx, total.String(), nil)
		}
		return s.finishStream(ctx, conversationID, placeholderIdx, total.String(), err)
	}
	defer body.Close()

	reader := stream.NewReader(body)
	for {
		text, err := reader.Next(streamCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.finishStream(ctx, conversationID, placeholderIdx, total.String(), err)
		}

		// Replace, never append: the placeholder always holds the full
		// text so far
		total.WriteString(text)
		running := total.String()
		s.mu.Lock()
		s.messages[placeholderIdx].Content = running
		s.mu.Unlock()
		s.notify()
	}

	return s.finishStream(ctx, conversationID, placeholderIdx, total.String(), nil)
}

// finishStream is the single terminal path for success, cancellation, and
// transport failure: persist the accumulated text when non-empty, log the
// outcome, and surface a transport error if one occurred.
func (s *Session) finishStream(ctx context.Context, conversationID string, placeholderIdx int, total string, streamErr error) error {
	cancelled := ctx.Err() == nil && s.wasCancelled()

	s.mu.Lock()
	s.messages[placeholderIdx].Content = total
	s.mu.Unlock()
	s.notify()

	// A cancelled or failed stream still produces a durable partial
	// message, so the user never loses a visible partial answer
	if total != "" {
		persistCtx := context.WithoutCancel(ctx)
		if _, err := s.gateway.AppendMessage(persistCtx, conversationID, RoleAssistant, total); err != nil {
			s.logger.Warn("MESSAGE_PERSIST_FAIL",
				zap.String("conversation", conversationID),
				zap.Error(&AppendError{Role: RoleAssistant, Err: err}),
			)
		}
	}

	switch {
	case streamErr != nil:
		terr := &StreamTransportError{Partial: total, Err: streamErr}
		s.logger.Error("STREAM_FAIL",
			zap.String("conversation", conversationID),
			zap.Int("chars", len(total)),
			zap.Error(terr),
		)
		return terr
	case cancelled:
		s.logger.Info("STREAM_CANCEL",
			zap.String("conversation", conversationID),
			zap.Int("chars", len(total)),
		)
		return nil
	default:
		s.logger.Info("STREAM_COMPLETE",
			zap.String("conversation", conversationID),
			zap.Int("chars", len(total)),
		)
		return nil
	}
}

// wasCancelled reports whether the live cancel token was consumed. Called
// exactly once per stream terminal, before cancelMgr.clear runs.
func (s *Session) wasCancelled() bool {
	s.cancelMgr.mu.Lock()
	defer s.cancelMgr.mu.Unlock()
	return s.cancelMgr.cancelFunc == nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel requests cooperative termination of the in-flight stream. A
// no-op when no stream is active; calling it twice has the same effect as
// calling it once.
func (s *Session) Cancel() {
	s.cancelMgr.cancel()
}

// =============================================================================
// HELPERS
// =============================================================================

// titleFromContent derives a conversation title from the first user
// message: the leading characters up to the limit, rune-safe. Content
// within the limit is used verbatim.
func titleFromContent(content string) string {
	if len([]rune(content)) <= titleRuneLimit {
		return content
	}
	return util.TruncateRunesNoEllipsis(content, titleRuneLimit) + "..."
}
