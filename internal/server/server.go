// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the chatstream HTTP API.
//
// Endpoints:
//   - POST   /api/chat               - Streamed model dispatch (raw text)
//   - GET    /api/conversations      - List conversations
//   - GET    /api/conversations/{id} - Conversation with messages
//   - PATCH  /api/conversations/{id} - Update the selected model
//   - DELETE /api/conversations/{id} - Delete conversation and messages
//   - GET    /api/models             - Model catalog (?source=upstream for
//     live provider listings)
//   - GET    /health                 - Health check
//
// The chat response body is plain decoded assistant text, flushed as it
// arrives. There is no SSE framing and no JSON-per-chunk.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/morganforge/chatstream/internal/provider"
	"github.com/morganforge/chatstream/internal/store"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxRequestBodySize is the maximum request body size (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxContentLength is the maximum length of a single message content.
	MaxContentLength = 100000

	// StatusClientClosedRequest is the nginx-convention status for a
	// client that disconnected mid-request.
	StatusClientClosedRequest = 499

	// Version is the server version.
	Version = "0.1.0"
)

// validRoles defines the set of acceptable message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one turn in the dispatch request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the POST /api/chat request body.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model"`
}

// PatchConversationRequest is the PATCH /api/conversations/{id} body.
type PatchConversationRequest struct {
	Model string `json:"model"`
}

// validateMessages checks every message against the role whitelist and the
// content length limit.
func validateMessages(messages []ChatMessage) error {
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role %q at message %d: must be one of user, assistant, system", msg.Role, i)
		}
		if len(msg.Content) > MaxContentLength {
			return fmt.Errorf("message %d exceeds maximum length of %d", i, MaxContentLength)
		}
	}
	return nil
}

// =============================================================================
// SERVER
// =============================================================================

// Options configures a Server.
type Options struct {
	Host         string
	Port         int
	DrainTimeout time.Duration
	Logger       *zap.Logger
	Store        *store.Store
	Catalog      *provider.Catalog
	Providers    map[string]provider.Provider
}

// Server hosts the model dispatch endpoint and the conversation REST
// surface.
type Server struct {
	host         string
	port         int
	drainTimeout time.Duration
	logger       *zap.Logger
	store        *store.Store
	catalog      *provider.Catalog
	providers    map[string]provider.Provider

	router *http.ServeMux
	server *http.Server

	cancelledStreams atomic.Int64 // 499 accounting
}

// New creates a server. Providers maps provider names from the catalog to
// their clients.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}

	s := &Server{
		host:         opts.Host,
		port:         opts.Port,
		drainTimeout: drain,
		logger:       logger,
		store:        opts.Store,
		catalog:      opts.Catalog,
		providers:    opts.Providers,
		router:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)

	s.router.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.router.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.router.HandleFunc("PATCH /api/conversations/{id}", s.handlePatchConversation)
	s.router.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	s.router.HandleFunc("GET /api/models", s.handleModels)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the middleware-wrapped handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		CORSMiddleware(DefaultCORSConfig()),
		LoggingMiddleware(s.logger),
	)(s.router)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat responses stream for as long as the model
		// takes; the per-request context bounds them instead
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("SERVER_START",
		zap.String("addr", addr),
		zap.String("version", Version),
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("SERVER_SHUTDOWN",
		zap.Int64("cancelled_streams", s.cancelledStreams.Load()),
	)
	return s.server.Shutdown(ctx)
}

// =============================================================================
// CHAT DISPATCH HANDLER
// =============================================================================

// handleChat handles POST /api/chat: resolve the model, open the upstream
// stream, and copy raw text increments to the client as they arrive.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		s.logger.Warn("CHAT_BAD_REQUEST", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "request must contain at least one message")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		s.logger.Warn("CHAT_BAD_MESSAGES", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Unrecognized identifiers fall back to the default model
	model := s.catalog.Resolve(req.Model)
	prov, ok := s.providers[model.Provider]
	if !ok {
		s.logger.Error("CHAT_NO_PROVIDER", zap.String("provider", model.Provider))
		s.writeError(w, http.StatusInternalServerError, "no client for provider "+model.Provider)
		return
	}

	messages := make([]provider.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	s.logger.Info("CHAT_DISPATCH",
		zap.String("model", model.ID),
		zap.String("provider", model.Provider),
		zap.Int("messages", len(messages)),
	)

	s.streamToClient(w, r, prov, model, messages)
}

// streamToClient runs the upstream stream and forwards text to the client.
//
// The upstream context is detached from the request context: when the
// client disconnects mid-stream, writing stops but the upstream stream
// keeps draining for up to drainTimeout, so the provider connection winds
// down instead of being dropped mid-response.
func (s *Server) streamToClient(w http.ResponseWriter, r *http.Request, prov provider.Provider, model provider.ModelInfo, messages []provider.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	upstreamCtx, cancelUpstream := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelUpstream()

	// markDisconnected runs at most once, whether the disconnect is seen
	// by the watcher goroutine or by a failed write. It starts the bounded
	// drain clock on the upstream stream.
	var disconnected atomic.Bool
	markDisconnected := func() {
		if !disconnected.CompareAndSwap(false, true) {
			return
		}
		s.cancelledStreams.Add(1)
		s.logger.Info("CHAT_CLIENT_CANCEL",
			zap.String("model", model.ID),
			zap.Int("status", StatusClientClosedRequest),
		)
		time.AfterFunc(s.drainTimeout, cancelUpstream)
	}

	// Watch for the client leaving even while the upstream is silent, so a
	// provider that stalls after the disconnect still hits the drain
	// timeout instead of pinning the handler.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-r.Context().Done():
			markDisconnected()
		case <-watchDone:
		}
	}()

	var started bool
	streamErr := prov.StreamChat(upstreamCtx, model.UpstreamModel(), messages, func(text string) {
		if disconnected.Load() {
			return // Draining, nothing to deliver
		}

		if !started {
			started = true
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		if _, err := io.WriteString(w, text); err != nil {
			markDisconnected()
			return
		}
		flusher.Flush()
	})

	switch {
	case disconnected.Load():
		// Client is gone; the upstream has been drained. Nothing can be
		// written, the 499 is accounting only.
		s.logger.Info("CHAT_DRAIN_DONE", zap.String("model", model.ID))
	case streamErr != nil && !started:
		// The stream failed before anything reached the client; a
		// non-streaming retry can still produce a complete response
		if text, ok := s.completeWithoutStream(upstreamCtx, prov, model, messages); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, text)
			s.logger.Info("CHAT_COMPLETE", zap.String("model", model.ID))
			return
		}
		s.logger.Error("CHAT_UPSTREAM_FAIL",
			zap.String("model", model.ID),
			zap.Error(streamErr),
		)
		s.writeError(w, http.StatusInternalServerError, "model invocation failed")
	case streamErr != nil:
		// Headers already sent; the truncated body is all the client gets
		s.logger.Error("CHAT_STREAM_FAIL",
			zap.String("model", model.ID),
			zap.Error(streamErr),
		)
	default:
		if !started {
			// Zero-chunk stream still ends as a well-formed 200
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		}
		s.logger.Info("CHAT_COMPLETE", zap.String("model", model.ID))
	}
}

// completer is implemented by providers that can serve a completion in one
// non-streaming round trip.
type completer interface {
	Chat(ctx context.Context, model string, messages []provider.Message) (string, error)
}

// completeWithoutStream retries a failed stream as a single non-streaming
// completion, for providers that support one.
func (s *Server) completeWithoutStream(ctx context.Context, prov provider.Provider, model provider.ModelInfo, messages []provider.Message) (string, bool) {
	c, ok := prov.(completer)
	if !ok {
		return "", false
	}
	text, err := c.Chat(ctx, model.UpstreamModel(), messages)
	if err != nil {
		s.logger.Warn("CHAT_FALLBACK_FAIL",
			zap.String("model", model.ID),
			zap.Error(err),
		)
		return "", false
	}
	s.logger.Info("CHAT_FALLBACK",
		zap.String("model", model.ID),
	)
	return text, true
}

// =============================================================================
// CONVERSATION HANDLERS
// =============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.logger.Error("CONVERSATION_LIST_FAIL", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if metas == nil {
		metas = []store.ConversationMeta{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": metas})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("CONVERSATION_GET_FAIL", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if snap.Messages == nil {
		snap.Messages = []store.Message{}
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var req PatchConversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if req.Model == "" {
		s.writeError(w, http.StatusBadRequest, "model must not be empty")
		return
	}

	err := s.store.SetModel(r.Context(), r.PathValue("id"), req.Model)
	if errors.Is(err, store.ErrConversationNotFound) {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("CONVERSATION_PATCH_FAIL", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrConversationNotFound) {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("CONVERSATION_DELETE_FAIL", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// MODELS AND HEALTH
// =============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "upstream" {
		s.handleUpstreamModels(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.catalog.List()})
}

// modelLister is implemented by providers that can enumerate the models
// their upstream API actually serves.
type modelLister interface {
	ListModels(ctx context.Context) ([]provider.UpstreamModel, error)
}

// handleUpstreamModels reports live model availability per provider,
// straight from the provider APIs rather than the configured catalog.
// Providers that cannot list, or fail to, are omitted.
func (s *Server) handleUpstreamModels(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]provider.UpstreamModel)
	for name, p := range s.providers {
		l, ok := p.(modelLister)
		if !ok {
			continue
		}
		models, err := l.ListModels(r.Context())
		if err != nil {
			s.logger.Warn("UPSTREAM_MODELS_FAIL",
				zap.String("provider", name),
				zap.Error(err),
			)
			continue
		}
		out[name] = models
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// configurable is implemented by providers that can report whether they
// hold credentials.
type configurable interface {
	IsConfigured() bool
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]bool, len(s.providers))
	for name, p := range s.providers {
		configured := true
		if c, ok := p.(configurable); ok {
			configured = c.IsConfigured()
		}
		providers[name] = configured
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"providers": providers,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response of the shape {"error": message}.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
