package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/ask"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/session"
)

// Sink receives the streaming events of a running query, in order, from
// the query goroutine. The connection layer implements it to forward
// events onto the socket.
type Sink interface {
	Text(delta string)
	Thinking(delta string)
	ToolCall(id, name string, input json.RawMessage)
	ToolResult(id string, output json.RawMessage, isError bool)
}

// Session drives queries for one bound session. It enforces the
// one-query-at-a-time rule, persists completed turns to the store, and
// auto-names the session when its first response lands.
type Session struct {
	client  Client
	store   *session.Store
	active  *session.Active
	askSync *ask.Synchronizer
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelCauseFunc
}

// NewSession binds a client to an acquired session.
func NewSession(client Client, store *session.Store, active *session.Active, askSync *ask.Synchronizer) *Session {
	return &Session{
		client:  client,
		store:   store,
		active:  active,
		askSync: askSync,
		logger: logging.Agent().With(
			"session_id", active.ID,
			"connection_id", active.ConnectionID,
		),
	}
}

// ID returns the bound session's id.
func (s *Session) ID() string {
	return s.active.ID
}

// Busy reports whether a query is currently running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// turnCollector assembles the assistant turn's content blocks while
// forwarding each event to the sink.
type turnCollector struct {
	sink    Sink
	askSync *ask.Synchronizer
	blocks  []session.ContentBlock
}

func (t *turnCollector) OnText(delta string) {
	t.appendText(session.BlockText, delta)
	t.sink.Text(delta)
}

func (t *turnCollector) OnThinking(delta string) {
	t.appendText(session.BlockThinking, delta)
	t.sink.Thinking(delta)
}

// appendText merges consecutive deltas of the same kind into one block so
// the persisted turn reads as whole paragraphs, not a delta stream.
func (t *turnCollector) appendText(kind session.BlockType, delta string) {
	if delta == "" {
		return
	}
	if n := len(t.blocks); n > 0 && t.blocks[n-1].Type == kind {
		t.blocks[n-1].Text += delta
		return
	}
	t.blocks = append(t.blocks, session.ContentBlock{Type: kind, Text: delta})
}

func (t *turnCollector) OnToolCall(id, name string, input json.RawMessage) {
	t.blocks = append(t.blocks, session.ContentBlock{
		Type:     session.BlockToolUse,
		ToolID:   id,
		ToolName: name,
		Input:    input,
	})
	t.sink.ToolCall(id, name, input)
}

func (t *turnCollector) OnToolResult(id string, output json.RawMessage, isError bool) {
	t.blocks = append(t.blocks, session.ContentBlock{
		Type:    session.BlockToolResult,
		ToolID:  id,
		Output:  output,
		IsError: isError,
	})
	t.sink.ToolResult(id, output, isError)
}

func (t *turnCollector) AskUser(ctx context.Context, questions []ask.Question) (ask.Answers, error) {
	return t.askSync.Ask(ctx, questions)
}

// Query runs one user turn to completion. It returns ErrQueryInFlight if
// another turn is still running. The user message is persisted up front;
// the assistant turn is persisted when it completes (including partial
// turns ended by an error, so the history reflects what the user saw).
func (s *Session) Query(ctx context.Context, prompt string, files []string, sink Sink) (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrQueryInFlight
	}
	qctx, cancel := context.WithCancelCause(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel(nil)
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	history, err := s.store.Load(s.active.ID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Append(s.active.ID, session.TextMessage(session.RoleUser, prompt)); err != nil {
		return nil, err
	}

	collector := &turnCollector{sink: sink, askSync: s.askSync}
	s.logger.Info("query started", "history_messages", len(history))

	res, qerr := s.client.Query(qctx, QueryRequest{
		Prompt:  prompt,
		Files:   files,
		History: history,
	}, collector)

	if len(collector.blocks) > 0 {
		msg := session.Message{Role: session.RoleAssistant, Blocks: collector.blocks}
		if err := s.store.Append(s.active.ID, msg); err != nil {
			s.logger.Error("failed to persist assistant turn", "error", err)
		}
	}

	if qerr != nil {
		s.logger.Warn("query ended with error", "error", qerr)
		return nil, qerr
	}

	s.autoName(prompt)
	s.logger.Info("query completed",
		"stop_reason", res.StopReason,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens)
	return res, nil
}

// autoName derives a display name from the first prompt once the first
// response has completed. Applied at most once; later calls are no-ops
// because the state machine is monotonic.
func (s *Session) autoName(prompt string) {
	meta, err := s.store.GetMetadata(s.active.ID)
	if err != nil || meta.State != session.StateCreated {
		return
	}
	name := session.DeriveName(prompt)
	if err := s.active.Machine.AutoName(name); err != nil {
		s.logger.Warn("failed to auto-name session", "error", err)
		return
	}
	s.logger.Info("session auto-named", "display_name", name)
}

// Interrupt cancels the in-flight query, if any, and resolves every
// pending question as cancelled. Safe to call when idle.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(ErrInterrupted)
		s.logger.Info("query interrupted")
	}
	s.askSync.CancelAll()
}
