// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - Interactive chat REPL for the chatstream CLI.
//
// Handles the "chatstream chat" command which provides an interactive
// terminal client against a running chatstream server.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /new, /n            Start a new conversation
//   /list, /l           List saved conversations
//   /open ID            Open a saved conversation
//   /delete ID          Delete a saved conversation
//   /model [name]       Show or switch model
//   /models             List available models
//   /history            Show conversation history
//   /cancel             Cancel the current response
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/morganforge/chatstream/internal/config"
	"github.com/morganforge/chatstream/internal/provider"
	"github.com/morganforge/chatstream/internal/session"
	"github.com/morganforge/chatstream/internal/store"
	"github.com/morganforge/chatstream/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06B6D4")).
			Bold(true)

	welcomeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A855F7")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#94A3B8"))

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F43F5E")).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06B6D4")).
			Bold(true)
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatInput provides input history and line editing for interactive chat.
type ChatInput struct {
	line        *liner.State
	historyFile string
}

// NewChatInput creates a ChatInput with persistent input history.
func NewChatInput() *ChatInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	in := &ChatInput{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	in.LoadHistory()
	return in
}

// LoadHistory loads command history from file.
func (c *ChatInput) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt. Supports history
// navigation with arrow keys.
func (c *ChatInput) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatInput) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatInput) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the interactive chat loop. It drives a conversation session
// against the dispatch endpoint and persists through the local store.
type REPL struct {
	store    *store.Store
	catalog  *provider.Catalog
	endpoint session.Endpoint
	logger   *zap.Logger

	session     *session.Session
	unsubscribe func()
	input       *ChatInput

	// Byte offset of assistant content already written to stdout for the
	// in-flight response.
	printed int
}

// NewREPL creates a REPL against the given store, catalog and endpoint.
func NewREPL(s *store.Store, catalog *provider.Catalog, endpoint session.Endpoint, logger *zap.Logger) *REPL {
	return &REPL{
		store:    s,
		catalog:  catalog,
		endpoint: endpoint,
		logger:   logger,
	}
}

// newSession replaces the active session. Any subscription on the previous
// session is torn down first.
func (r *REPL) newSession(sess *session.Session) {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.session = sess
	r.unsubscribe = sess.Subscribe(r.onUpdate)
}

// onUpdate prints the unwritten suffix of the in-flight assistant response.
// Submit is synchronous, so updates arrive on the submitting goroutine.
func (r *REPL) onUpdate(messages []session.Message) {
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != session.RoleAssistant {
		return
	}
	if len(last.Content) > r.printed {
		fmt.Print(last.Content[r.printed:])
		r.printed = len(last.Content)
	}
}

// Run starts the interactive loop and blocks until the user exits.
func (r *REPL) Run(ctx context.Context) error {
	r.input = NewChatInput()
	defer r.input.Close()

	r.newSession(session.New(NewStoreGateway(r.store), r.endpoint, r.catalog.Default().ID, r.logger))

	printWelcome(r.session.Model())

	// Ctrl+C during generation cancels the stream; liner handles Ctrl+C
	// at the prompt itself via ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			if r.session != nil && r.session.IsStreaming() {
				r.session.Cancel()
				fmt.Fprintln(os.Stderr, "\n"+warningStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		input, err := r.input.ReadInput(promptStyle.Render("chatstream> "))
		if err != nil {
			// Ctrl+C (ErrPromptAborted), Ctrl+D, or a read failure all
			// exit gracefully.
			fmt.Println()
			fmt.Println(infoStyle.Render("Goodbye!"))
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldContinue, err := r.handleSlashCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !shouldContinue {
				fmt.Println(infoStyle.Render("Goodbye!"))
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			fmt.Println(infoStyle.Render("Goodbye!"))
			return nil
		}

		if err := r.submit(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

// submit sends a message and streams the response to stdout.
func (r *REPL) submit(ctx context.Context, input string) error {
	r.printed = 0
	fmt.Println()

	err := r.session.Submit(ctx, input)

	fmt.Println()
	fmt.Println()
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands. Returns (shouldContinue,
// error) where shouldContinue=false means exit.
func (r *REPL) handleSlashCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp()
		return true, nil

	case "/new", "/n":
		r.newSession(session.New(NewStoreGateway(r.store), r.endpoint, r.catalog.Default().ID, r.logger))
		fmt.Println(commandStyle.Render("[New conversation]"))
		return true, nil

	case "/list", "/l":
		return true, r.handleList(ctx)

	case "/open", "/o":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /open CONVERSATION_ID")
		}
		return true, r.handleOpen(ctx, args[0])

	case "/delete", "/rm":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /delete CONVERSATION_ID")
		}
		return true, r.handleDelete(ctx, args[0])

	case "/model", "/m":
		return true, r.handleModel(ctx, args)

	case "/models":
		r.printModels()
		return true, nil

	case "/history":
		r.printHistory()
		return true, nil

	case "/cancel":
		r.session.Cancel()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleList prints saved conversations, most recently updated first.
func (r *REPL) handleList(ctx context.Context) error {
	metas, err := r.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(metas) == 0 {
		fmt.Println(infoStyle.Render("[No saved conversations]"))
		return nil
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Conversations"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	for _, m := range metas {
		marker := " "
		if r.session.ConversationID() == m.ID {
			marker = commandStyle.Render("*")
		}
		fmt.Printf("%s %s  %s  %s\n",
			marker,
			commandStyle.Render(m.ID),
			util.TruncateRunes(util.FirstLine(m.Title), 40),
			infoStyle.Render(fmt.Sprintf("%d msgs, %s", m.MessageCount, m.UpdatedAt.Format(time.DateTime))))
	}
	fmt.Println()
	return nil
}

// handleOpen replaces the active session with one resumed from storage.
func (r *REPL) handleOpen(ctx context.Context, id string) error {
	sess, err := session.Resume(ctx, NewStoreGateway(r.store), r.endpoint, id, r.logger)
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	r.newSession(sess)
	fmt.Printf("%s Opened conversation: %s\n", commandStyle.Render("[OK]"), id)
	r.printHistory()
	return nil
}

// handleDelete removes a conversation. Deleting the open conversation
// starts a fresh session.
func (r *REPL) handleDelete(ctx context.Context, id string) error {
	if err := r.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	if r.session.ConversationID() == id {
		r.newSession(session.New(NewStoreGateway(r.store), r.endpoint, r.catalog.Default().ID, r.logger))
		fmt.Println(commandStyle.Render("[Deleted, started new conversation]"))
		return nil
	}
	fmt.Println(commandStyle.Render("[Deleted]"))
	return nil
}

// handleModel shows or switches the session model.
func (r *REPL) handleModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Printf("%s Current model: %s\n",
			infoStyle.Render("[Model]"),
			commandStyle.Render(r.session.Model()))
		return nil
	}

	newModel := args[0]
	if !r.catalog.Known(newModel) {
		fmt.Fprintf(os.Stderr, "%s Model '%s' is not in the catalog, the server will fall back to %s\n",
			warningStyle.Render("[Warning]"),
			newModel,
			r.catalog.Default().ID)
	}

	r.session.SetModel(ctx, newModel)
	fmt.Printf("%s Switched to model: %s\n", commandStyle.Render("[OK]"), newModel)
	return nil
}

// printModels lists the model catalog.
func (r *REPL) printModels() {
	fmt.Println()
	fmt.Println(headerStyle.Render("Available Models"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	for _, m := range r.catalog.List() {
		marker := " "
		if m.Default {
			marker = commandStyle.Render("*")
		}
		fmt.Printf("%s %s  %s\n",
			marker,
			commandStyle.Render(fmt.Sprintf("%-22s", m.ID)),
			infoStyle.Render(m.Label))
	}
	fmt.Println()
}

// printHistory prints the open conversation's messages.
func (r *REPL) printHistory() {
	messages := r.session.Messages()
	if len(messages) == 0 {
		fmt.Println(infoStyle.Render("[No messages yet]"))
		return
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Conversation History"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 25)))
	fmt.Println()

	for i, msg := range messages {
		role := msg.Role
		switch role {
		case session.RoleUser:
			role = promptStyle.Render("You")
		case session.RoleAssistant:
			role = welcomeStyle.Render("AI")
		case session.RoleSystem:
			role = warningStyle.Render("System")
		}

		content := util.TruncateRunes(util.FirstLine(msg.Content), 100)
		fmt.Printf("  %d. %s: %s\n", i+1, role, content)
	}
	fmt.Println()
}

// =============================================================================
// DISPLAY
// =============================================================================

// printWelcome prints the welcome banner.
func printWelcome(model string) {
	fmt.Println()
	fmt.Println(welcomeStyle.Render("chatstream interactive chat"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 30)))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Model:"),
		commandStyle.Render(model))
	fmt.Println()
	fmt.Println(infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

// printHelp prints available commands.
func printHelp() {
	fmt.Println()
	fmt.Println(headerStyle.Render("Available Commands"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/new, /n", "Start a new conversation"},
		{"/list, /l", "List saved conversations"},
		{"/open ID", "Open a saved conversation"},
		{"/delete ID", "Delete a saved conversation"},
		{"/model [name]", "Show or switch model"},
		{"/models", "List available models"},
		{"/history", "Show conversation history"},
		{"/cancel", "Cancel the current response"},
		{"/quit, /q", "Exit chat"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			commandStyle.Render(fmt.Sprintf("%-15s", c.cmd)),
			infoStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(infoStyle.Render("Tip: Ctrl+C cancels current generation, Ctrl+D exits"))
	fmt.Println()
}
