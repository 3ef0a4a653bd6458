package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/ask"
	"github.com/parleyhq/parley/internal/session"
)

// scriptedClient drives an EventHandler through a fixed sequence of
// events instead of a real subprocess.
type scriptedClient struct {
	script func(ctx context.Context, req QueryRequest, h EventHandler) (*Result, error)
	closed bool
}

func (c *scriptedClient) Query(ctx context.Context, req QueryRequest, h EventHandler) (*Result, error) {
	return c.script(ctx, req, h)
}

func (c *scriptedClient) Close() error {
	c.closed = true
	return nil
}

// nullSink discards streamed events.
type nullSink struct{}

func (nullSink) Text(string)                              {}
func (nullSink) Thinking(string)                          {}
func (nullSink) ToolCall(string, string, json.RawMessage) {}
func (nullSink) ToolResult(string, json.RawMessage, bool) {}

// recordingSink captures streamed text.
type recordingSink struct {
	nullSink
	text []string
}

func (r *recordingSink) Text(delta string) {
	r.text = append(r.text, delta)
}

func newTestSession(t *testing.T, client Client) (*Session, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := session.NewRegistry(store, nil)
	active, err := reg.Create("conn-test")
	if err != nil {
		t.Fatalf("registry Create failed: %v", err)
	}

	askSync := ask.NewSynchronizer(ask.Config{Emit: func(string, []ask.Question) {}})
	return NewSession(client, store, active, askSync), store
}

func TestSession_QueryPersistsTurns(t *testing.T) {
	client := &scriptedClient{
		script: func(_ context.Context, req QueryRequest, h EventHandler) (*Result, error) {
			if req.Prompt != "hello there" {
				t.Errorf("prompt = %q", req.Prompt)
			}
			h.OnThinking("hmm, ")
			h.OnThinking("a greeting")
			h.OnText("Hello! ")
			h.OnText("How can I help?")
			return &Result{StopReason: "end_turn", Usage: Usage{InputTokens: 3, OutputTokens: 9}}, nil
		},
	}
	s, store := newTestSession(t, client)

	sink := &recordingSink{}
	res, err := s.Query(context.Background(), "hello there", nil, sink)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", res.StopReason)
	}
	if len(sink.text) != 2 {
		t.Errorf("sink saw %d text deltas, want 2", len(sink.text))
	}

	msgs, err := store.Load(s.ID())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[0].Blocks[0].Text != "hello there" {
		t.Errorf("first message = %+v, want the user prompt", msgs[0])
	}
	// Consecutive deltas of the same kind collapse into one block.
	assistant := msgs[1]
	if assistant.Role != session.RoleAssistant || len(assistant.Blocks) != 2 {
		t.Fatalf("assistant turn = %+v, want thinking + text blocks", assistant)
	}
	if assistant.Blocks[0].Type != session.BlockThinking || assistant.Blocks[0].Text != "hmm, a greeting" {
		t.Errorf("thinking block = %+v", assistant.Blocks[0])
	}
	if assistant.Blocks[1].Type != session.BlockText || assistant.Blocks[1].Text != "Hello! How can I help?" {
		t.Errorf("text block = %+v", assistant.Blocks[1])
	}
}

func TestSession_QueryRecordsToolUse(t *testing.T) {
	input := json.RawMessage(`{"path":"main.go"}`)
	output := json.RawMessage(`{"content":"package main"}`)
	client := &scriptedClient{
		script: func(_ context.Context, _ QueryRequest, h EventHandler) (*Result, error) {
			h.OnToolCall("t1", "read_file", input)
			h.OnToolResult("t1", output, false)
			h.OnText("done")
			return &Result{StopReason: "end_turn"}, nil
		},
	}
	s, store := newTestSession(t, client)

	if _, err := s.Query(context.Background(), "read main.go", nil, nullSink{}); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	msgs, _ := store.Load(s.ID())
	blocks := msgs[1].Blocks
	if len(blocks) != 3 {
		t.Fatalf("assistant turn has %d blocks, want 3", len(blocks))
	}
	if blocks[0].Type != session.BlockToolUse || blocks[0].ToolName != "read_file" {
		t.Errorf("tool_use block = %+v", blocks[0])
	}
	if blocks[1].Type != session.BlockToolResult || blocks[1].ToolID != "t1" {
		t.Errorf("tool_result block = %+v", blocks[1])
	}
}

func TestSession_AutoNameOnFirstResponse(t *testing.T) {
	client := &scriptedClient{
		script: func(_ context.Context, _ QueryRequest, h EventHandler) (*Result, error) {
			h.OnText("sure")
			return &Result{StopReason: "end_turn"}, nil
		},
	}
	s, store := newTestSession(t, client)

	if _, err := s.Query(context.Background(), "Fix the websocket reconnect bug", nil, nullSink{}); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	meta, _ := store.GetMetadata(s.ID())
	if meta.State != session.StateAutoNamed {
		t.Errorf("state = %q, want auto_named", meta.State)
	}
	if meta.DisplayName != "Fix the websocket reconnect bug" {
		t.Errorf("DisplayName = %q", meta.DisplayName)
	}

	// A second query must not rename.
	if _, err := s.Query(context.Background(), "Now add tests for it", nil, nullSink{}); err != nil {
		t.Fatalf("second Query failed: %v", err)
	}
	meta, _ = store.GetMetadata(s.ID())
	if meta.DisplayName != "Fix the websocket reconnect bug" {
		t.Errorf("DisplayName changed on second query: %q", meta.DisplayName)
	}
}

func TestSession_RejectsConcurrentQuery(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{
		script: func(ctx context.Context, _ QueryRequest, _ EventHandler) (*Result, error) {
			close(started)
			select {
			case <-release:
				return &Result{StopReason: "end_turn"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	s, _ := newTestSession(t, client)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Query(context.Background(), "slow one", nil, nullSink{})
		errCh <- err
	}()
	<-started

	if _, err := s.Query(context.Background(), "eager one", nil, nullSink{}); !errors.Is(err, ErrQueryInFlight) {
		t.Errorf("concurrent Query err = %v, want ErrQueryInFlight", err)
	}
	if !s.Busy() {
		t.Error("Busy = false while a query runs")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Query failed: %v", err)
	}
	if s.Busy() {
		t.Error("Busy = true after completion")
	}
}

func TestSession_Interrupt(t *testing.T) {
	started := make(chan struct{})
	client := &scriptedClient{
		script: func(ctx context.Context, _ QueryRequest, h EventHandler) (*Result, error) {
			h.OnText("partial out")
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
	}
	s, store := newTestSession(t, client)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Query(context.Background(), "long task", nil, nullSink{})
		errCh <- err
	}()
	<-started

	s.Interrupt()
	if err := <-errCh; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}

	// The partial assistant output is still persisted.
	msgs, _ := store.Load(s.ID())
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + partial assistant", len(msgs))
	}
	if msgs[1].Blocks[0].Text != "partial out" {
		t.Errorf("partial turn = %+v", msgs[1])
	}
}

func TestSession_AskBridging(t *testing.T) {
	questions := []ask.Question{{
		Question: "Deploy to which environment?",
		Header:   "Deploy",
		Options:  []ask.Option{{Label: "staging"}, {Label: "production"}},
	}}

	client := &scriptedClient{
		script: func(ctx context.Context, _ QueryRequest, h EventHandler) (*Result, error) {
			answers, err := h.AskUser(ctx, questions)
			if err != nil {
				return nil, err
			}
			h.OnText("deploying to " + answers["Deploy to which environment?"].(string))
			return &Result{StopReason: "end_turn"}, nil
		},
	}

	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()
	reg := session.NewRegistry(store, nil)
	active, _ := reg.Create("conn-ask")

	emitted := make(chan string, 1)
	askSync := ask.NewSynchronizer(ask.Config{
		Emit: func(id string, _ []ask.Question) { emitted <- id },
	})
	s := NewSession(client, store, active, askSync)

	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Query(context.Background(), "deploy the service", nil, sink)
		errCh <- err
	}()

	select {
	case id := <-emitted:
		if !askSync.Resolve(id, ask.Answers{"Deploy to which environment?": "staging"}) {
			t.Fatal("Resolve failed")
		}
	case <-time.After(time.Second):
		t.Fatal("question never emitted")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(sink.text) != 1 || sink.text[0] != "deploying to staging" {
		t.Errorf("sink text = %v", sink.text)
	}
}
