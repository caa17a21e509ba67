// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// =============================================================================
// FAKES
// =============================================================================

type createCall struct {
	title string
	model string
}

type appendCall struct {
	conversationID string
	role           string
	content        string
}

type setModelCall struct {
	conversationID string
	model          string
}

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu            sync.Mutex
	createCalls   []createCall
	appendCalls   []appendCall
	setModelCalls []setModelCall

	createErr   error
	appendErr   error
	setModelErr error

	snapshots map[string]*Snapshot

	nextConvID int
	created    chan struct{} // closed on first CreateConversation, when set
}

func (g *fakeGateway) CreateConversation(ctx context.Context, title, model string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.createCalls = append(g.createCalls, createCall{title: title, model: model})
	g.nextConvID++
	if g.created != nil {
		close(g.created)
		g.created = nil
	}
	return fmt.Sprintf("conv_%d", g.nextConvID), nil
}

func (g *fakeGateway) AppendMessage(ctx context.Context, conversationID, role, content string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.appendErr != nil {
		return "", g.appendErr
	}
	g.appendCalls = append(g.appendCalls, appendCall{conversationID: conversationID, role: role, content: content})
	return fmt.Sprintf("msg_%d", len(g.appendCalls)), nil
}

func (g *fakeGateway) SetModel(ctx context.Context, conversationID, model string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.setModelErr != nil {
		return g.setModelErr
	}
	g.setModelCalls = append(g.setModelCalls, setModelCall{conversationID: conversationID, model: model})
	return nil
}

func (g *fakeGateway) GetConversation(ctx context.Context, id string) (*Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshots[id], nil
}

func (g *fakeGateway) appends(role string) []appendCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []appendCall
	for _, c := range g.appendCalls {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

// scriptedBody yields one scripted chunk per Read. afterChunk, when set, is
// invoked after chunk i (1-based) is delivered, before Read returns. When
// the chunks are exhausted the body either reports EOF or, with hang set,
// blocks until the invocation context is cancelled.
type scriptedBody struct {
	ctx        context.Context
	chunks     []string
	pos        int
	afterChunk func(i int)
	hang       bool
	readErr    error // returned after the scripted chunks instead of EOF
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.chunks) {
		if b.readErr != nil {
			return 0, b.readErr
		}
		if b.hang {
			<-b.ctx.Done()
			return 0, io.EOF
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[b.pos])
	b.pos++
	if b.afterChunk != nil {
		b.afterChunk(b.pos)
	}
	return n, nil
}

func (b *scriptedBody) Close() error { return nil }

// fakeEndpoint hands out scripted bodies.
type fakeEndpoint struct {
	chunks     []string
	afterChunk func(i int)
	hang       bool
	readErr    error
	invokeErr  error
}

func (e *fakeEndpoint) Invoke(ctx context.Context, model string, messages []Message) (io.ReadCloser, error) {
	if e.invokeErr != nil {
		return nil, e.invokeErr
	}
	return &scriptedBody{
		ctx:        ctx,
		chunks:     e.chunks,
		afterChunk: e.afterChunk,
		hang:       e.hang,
		readErr:    e.readErr,
	}, nil
}

// =============================================================================
// SUBMIT TESTS
// =============================================================================

func TestSession_FirstMessageCreatesConversation(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hi ", "there"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "Hello there, friend"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(gw.createCalls) != 1 {
		t.Fatalf("Expected 1 create call, got %d", len(gw.createCalls))
	}
	if gw.createCalls[0].title != "Hello there, friend" {
		t.Errorf("Title = %q, want the message content", gw.createCalls[0].title)
	}
	if gw.createCalls[0].model != "gpt-4.1-mini" {
		t.Errorf("Model = %q, want gpt-4.1-mini", gw.createCalls[0].model)
	}

	// User persist precedes the assistant persist
	if len(gw.appendCalls) != 2 {
		t.Fatalf("Expected 2 append calls, got %d", len(gw.appendCalls))
	}
	if gw.appendCalls[0].role != RoleUser || gw.appendCalls[0].content != "Hello there, friend" {
		t.Errorf("First append = %+v, want the user message", gw.appendCalls[0])
	}
	if gw.appendCalls[1].role != RoleAssistant || gw.appendCalls[1].content != "Hi there" {
		t.Errorf("Second append = %+v, want the assistant text", gw.appendCalls[1])
	}

	if s.ConversationID() == "" {
		t.Error("Expected a conversation id after Submit")
	}
}

func TestSession_SecondMessageReusesConversation(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"ok"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.Submit(context.Background(), "second"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(gw.createCalls) != 1 {
		t.Errorf("Expected 1 create call across both submits, got %d", len(gw.createCalls))
	}
	if got := len(s.Messages()); got != 4 {
		t.Errorf("Expected 4 messages, got %d", got)
	}
}

func TestSession_MessageListGrowsByTwoDespitePersistFailures(t *testing.T) {
	gw := &fakeGateway{appendErr: errors.New("storage down")}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "Hello" {
		t.Errorf("User message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "Hi" {
		t.Errorf("Assistant message = %+v", msgs[1])
	}
	if msgs[0].ID == "" || msgs[1].ID == "" {
		t.Error("Optimistic messages must carry stable client ids")
	}
}

func TestSession_CreateFailureAbortsWithoutMutation(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("storage down")}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	err := s.Submit(context.Background(), "Hello")
	var cerr *CreateConversationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CreateConversationError, got %v", err)
	}

	if len(s.Messages()) != 0 {
		t.Errorf("Message list mutated on aborted send: %+v", s.Messages())
	}
	if s.ConversationID() != "" {
		t.Errorf("Conversation id set on aborted send: %q", s.ConversationID())
	}
	if s.IsStreaming() {
		t.Error("Session stuck in streaming state after abort")
	}
}

func TestSession_EmptySubmitIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "   \n"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(gw.createCalls) != 0 || len(s.Messages()) != 0 {
		t.Error("Blank submit must not touch the gateway or the message list")
	}
}

// =============================================================================
// STREAM OUTCOME TESTS
// =============================================================================

func TestSession_CancelAfterChunksPersistsPartial(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hel", "lo "}, hang: true}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	// Cancel after the second chunk is delivered; the reader observes the
	// signal before attempting a third read
	ep.afterChunk = func(i int) {
		if i == 2 {
			s.Cancel()
		}
	}

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "Hello " {
		t.Errorf("Assistant content = %q, want %q", msgs[1].Content, "Hello ")
	}

	assistant := gw.appends(RoleAssistant)
	if len(assistant) != 1 {
		t.Fatalf("Expected exactly 1 assistant append, got %d", len(assistant))
	}
	if assistant[0].content != "Hello " {
		t.Errorf("Persisted assistant content = %q, want %q", assistant[0].content, "Hello ")
	}
}

func TestSession_EmptyStreamNeverPersistsAssistant(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := gw.appends(RoleAssistant); len(got) != 0 {
		t.Errorf("Expected no assistant append for empty stream, got %+v", got)
	}
	// The placeholder stays, empty
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[1].Content != "" {
		t.Errorf("Unexpected messages: %+v", msgs)
	}
}

func TestSession_TransportErrorPersistsPartial(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hel"}, readErr: errors.New("connection reset")}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	err := s.Submit(context.Background(), "Hello")
	var terr *StreamTransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected StreamTransportError, got %v", err)
	}
	if terr.Partial != "Hel" {
		t.Errorf("Partial = %q, want %q", terr.Partial, "Hel")
	}

	assistant := gw.appends(RoleAssistant)
	if len(assistant) != 1 || assistant[0].content != "Hel" {
		t.Errorf("Expected one partial assistant append, got %+v", assistant)
	}
	if s.IsStreaming() {
		t.Error("Session stuck in streaming state after failure")
	}
}

func TestSession_InvokeErrorReturnsTransportError(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{invokeErr: errors.New("dial tcp: refused")}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	err := s.Submit(context.Background(), "Hello")
	var terr *StreamTransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected StreamTransportError, got %v", err)
	}

	if got := gw.appends(RoleAssistant); len(got) != 0 {
		t.Errorf("Nothing accumulated, nothing should persist: %+v", got)
	}
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestSession_CancelIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hel", "lo "}, hang: true}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	ep.afterChunk = func(i int) {
		if i == 2 {
			s.Cancel()
			s.Cancel() // Second call must be a no-op
		}
	}

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	assistant := gw.appends(RoleAssistant)
	if len(assistant) != 1 || assistant[0].content != "Hello " {
		t.Errorf("Double cancel changed the outcome: %+v", assistant)
	}
}

func TestSession_CancelWhileIdleIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	s.Cancel()
	s.Cancel()

	// A later submit still streams normally
	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if msgs := s.Messages(); len(msgs) != 2 || msgs[1].Content != "Hi" {
		t.Errorf("Unexpected messages: %+v", msgs)
	}
}

func TestSession_SecondSubmitWhileStreamingIsRejected(t *testing.T) {
	created := make(chan struct{})
	gw := &fakeGateway{created: created}
	ep := &fakeEndpoint{chunks: []string{"Hel"}, hang: true}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	done := make(chan error, 1)
	go func() {
		done <- s.Submit(context.Background(), "first")
	}()

	<-created // First submit is past creation and inside the stream

	if err := s.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	s.Cancel()
	if err := <-done; err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	// Only the first submit touched the list
	if got := len(s.Messages()); got != 2 {
		t.Errorf("Expected 2 messages, got %d", got)
	}
}

// =============================================================================
// MODEL SELECTION TESTS
// =============================================================================

func TestSession_ModelSwitchPersistsOnlyWithConversation(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	// No conversation yet: in-memory only
	s.SetModel(context.Background(), "gpt-4o")
	if len(gw.setModelCalls) != 0 {
		t.Errorf("Expected no setModel call before a conversation exists, got %d", len(gw.setModelCalls))
	}
	if s.Model() != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", s.Model())
	}

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Conversation exists: exactly one persisted update
	s.SetModel(context.Background(), "gpt-3.5-turbo")
	if len(gw.setModelCalls) != 1 {
		t.Fatalf("Expected 1 setModel call, got %d", len(gw.setModelCalls))
	}
	if gw.setModelCalls[0].model != "gpt-3.5-turbo" {
		t.Errorf("Persisted model = %q, want gpt-3.5-turbo", gw.setModelCalls[0].model)
	}
	if gw.setModelCalls[0].conversationID != s.ConversationID() {
		t.Errorf("setModel targeted %q, want %q", gw.setModelCalls[0].conversationID, s.ConversationID())
	}
}

func TestSession_ModelPersistFailureKeepsSelection(t *testing.T) {
	gw := &fakeGateway{setModelErr: errors.New("storage down")}
	ep := &fakeEndpoint{chunks: []string{"Hi"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	if err := s.Submit(context.Background(), "Hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s.SetModel(context.Background(), "gpt-4o")
	if s.Model() != "gpt-4o" {
		t.Errorf("Selection rolled back on persist failure: %q", s.Model())
	}
}

// =============================================================================
// RESUME TESTS
// =============================================================================

func TestSession_ResumeSeedsFromGateway(t *testing.T) {
	gw := &fakeGateway{
		snapshots: map[string]*Snapshot{
			"conv_9": {
				ID:    "conv_9",
				Title: "older chat",
				Model: "gpt-4o",
				Messages: []Message{
					{ID: "msg_1", Role: RoleUser, Content: "hi"},
					{ID: "msg_2", Role: RoleAssistant, Content: "hello"},
				},
			},
		},
	}
	ep := &fakeEndpoint{chunks: []string{"more"}}

	s, err := Resume(context.Background(), gw, ep, "conv_9", zap.NewNop())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.ConversationID() != "conv_9" {
		t.Errorf("ConversationID = %q", s.ConversationID())
	}
	if s.Model() != "gpt-4o" {
		t.Errorf("Model = %q", s.Model())
	}
	if got := len(s.Messages()); got != 2 {
		t.Fatalf("Expected 2 seeded messages, got %d", got)
	}

	// A submit on the resumed session reuses the conversation
	if err := s.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(gw.createCalls) != 0 {
		t.Errorf("Resumed session must not create a conversation, got %d calls", len(gw.createCalls))
	}
	if got := len(s.Messages()); got != 4 {
		t.Errorf("Expected 4 messages after submit, got %d", got)
	}
}

func TestSession_ResumeMissingConversation(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{}

	_, err := Resume(context.Background(), gw, ep, "conv_missing", zap.NewNop())
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestSession_SubscribeDeliversFullSnapshots(t *testing.T) {
	gw := &fakeGateway{}
	ep := &fakeEndpoint{chunks: []string{"Hel", "lo"}}
	s := New(gw, ep, "gpt-4.1-mini", zap.NewNop())

	var snapshots [][]Message
	unsubscribe := s.Subscribe(func(msgs []Message) {
		snapshots = append(snapshots, msgs)
	})

	if err := s.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(snapshots) == 0 {
		t.Fatal("Expected snapshots to be delivered")
	}
	last := snapshots[len(snapshots)-1]
	if len(last) != 2 || last[1].Content != "Hello" {
		t.Errorf("Final snapshot = %+v", last)
	}

	// Every snapshot is complete state, and the assistant text only grows
	prev := ""
	for i, snap := range snapshots {
		if len(snap) == 2 {
			if !strings.HasPrefix(snap[1].Content, prev) {
				t.Errorf("Snapshot %d content %q does not extend %q", i, snap[1].Content, prev)
			}
			prev = snap[1].Content
		}
	}

	unsubscribe()
	count := len(snapshots)
	if err := s.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(snapshots) != count {
		t.Error("Observer still notified after unsubscribe")
	}
}

// =============================================================================
// TITLE TESTS
// =============================================================================

func TestTitleFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "Hello there, friend", "Hello there, friend"},
		{"exact limit", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{"truncated", strings.Repeat("a", 31), strings.Repeat("a", 30) + "..."},
		{"multibyte", strings.Repeat("日", 35), strings.Repeat("日", 30) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := titleFromContent(tt.content); got != tt.want {
				t.Errorf("titleFromContent(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
