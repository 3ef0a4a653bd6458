// Package agent wraps the underlying conversational agent: a subprocess
// speaking newline-delimited JSON over stdio. It owns the one-query-at-a-
// time session layer and bridges the agent's ask_user tool to the
// question synchronizer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/ask"
	"github.com/parleyhq/parley/internal/session"
)

var (
	// ErrQueryInFlight is returned when a query starts while another is
	// still running on the same session.
	ErrQueryInFlight = errors.New("a query is already in flight")

	// ErrClientClosed is returned when the agent process is gone.
	ErrClientClosed = errors.New("agent client is closed")

	// ErrInterrupted is the cancellation cause set when a query is
	// stopped on user request. It is not a failure.
	ErrInterrupted = errors.New("query interrupted")
)

// ExecutionError wraps an upstream agent or model failure. It terminates
// the affected query only; the connection stays up.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Usage reports token accounting for a completed query.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the terminal event of a successful query.
type Result struct {
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// QueryRequest carries one user turn plus the conversation context.
type QueryRequest struct {
	Prompt  string            `json:"prompt"`
	Files   []string          `json:"files,omitempty"`
	History []session.Message `json:"history,omitempty"`
}

// EventHandler receives streaming events while a query runs. All methods
// are called from the query goroutine.
type EventHandler interface {
	// OnText delivers an assistant text delta.
	OnText(delta string)
	// OnThinking delivers a thinking delta.
	OnThinking(delta string)
	// OnToolCall reports a tool invocation the agent started.
	OnToolCall(id, name string, input json.RawMessage)
	// OnToolResult reports a completed tool invocation.
	OnToolResult(id string, output json.RawMessage, isError bool)
	// AskUser suspends the query until the user answers, the question
	// deadline passes (ask.ErrTimeout) or the query is cancelled
	// (ask.ErrCancelled).
	AskUser(ctx context.Context, questions []ask.Question) (ask.Answers, error)
}

// Client is the transport to the underlying agent process.
type Client interface {
	// Query streams one turn's events to h and blocks until the turn
	// completes, fails, or ctx is cancelled.
	Query(ctx context.Context, req QueryRequest, h EventHandler) (*Result, error)
	// Close terminates the agent process.
	Close() error
}
