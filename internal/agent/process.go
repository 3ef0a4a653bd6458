package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/parleyhq/parley/internal/ask"
	"github.com/parleyhq/parley/internal/logging"
)

// askUserToolName is the tool the model calls to put a structured
// question to the connected user.
const askUserToolName = "ask_user"

// interruptGrace is how long Query waits for the agent to wind down a
// turn after an interrupt before abandoning the read.
const interruptGrace = 2 * time.Second

// wireFrame is one newline-delimited JSON frame on the agent's stdio.
type wireFrame struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Message    string          `json:"message,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// Query fields (server -> agent).
	Prompt  string   `json:"prompt,omitempty"`
	Files   []string `json:"files,omitempty"`
	History any      `json:"history,omitempty"`
}

// askUserInput is the input payload of an ask_user tool call.
type askUserInput struct {
	Questions []ask.Question `json:"questions"`
}

// ProcessClient runs the agent as a subprocess and speaks newline-
// delimited JSON frames over its stdin/stdout. One reader goroutine owns
// stdout for the lifetime of the process; Query multiplexes on its
// output channel so cancellation is observable while the agent is quiet.
type ProcessClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	logger *slog.Logger

	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

// NewProcessClient starts the agent from a shell-style command line,
// running in workingDir.
func NewProcessClient(command, workingDir string) (*ProcessClient, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty agent command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	c := &ProcessClient{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 64),
		logger: logging.Agent(),
		done:   make(chan struct{}),
	}
	go c.readLoop(stdout)

	c.logger.Info("agent process started", "command", argv[0], "pid", cmd.Process.Pid)
	return c, nil
}

// readLoop owns stdout; it pushes raw frames to the lines channel until
// the process exits.
func (c *ProcessClient) readLoop(stdout io.Reader) {
	defer close(c.lines)

	scanner := bufio.NewScanner(stdout)
	const maxFrame = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("agent stdout read failed", "error", err)
	}
}

// send writes one frame to the agent's stdin.
func (c *ProcessClient) send(f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return nil
}

// Query implements Client.
func (c *ProcessClient) Query(ctx context.Context, req QueryRequest, h EventHandler) (*Result, error) {
	err := c.send(wireFrame{
		Type:    "query",
		Prompt:  req.Prompt,
		Files:   req.Files,
		History: req.History,
	})
	if err != nil {
		return nil, &ExecutionError{Err: err}
	}

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, &ExecutionError{Err: errors.New("agent process exited mid-query")}
			}
			res, done, err := c.handleFrame(ctx, line, h)
			if err != nil {
				return nil, err
			}
			if done {
				return res, nil
			}

		case <-ctx.Done():
			return nil, c.interruptAndDrain(ctx)
		}
	}
}

// handleFrame processes one inbound frame. done reports that the query
// reached its terminal result.
func (c *ProcessClient) handleFrame(ctx context.Context, line []byte, h EventHandler) (*Result, bool, error) {
	var f wireFrame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Warn("dropping malformed agent frame", "error", err)
		return nil, false, nil
	}

	switch f.Type {
	case "text":
		h.OnText(f.Text)

	case "thinking":
		h.OnThinking(f.Text)

	case "tool_use":
		if f.Name == askUserToolName {
			return nil, false, c.handleAskUser(ctx, f, h)
		}
		h.OnToolCall(f.ID, f.Name, f.Input)

	case "tool_result":
		h.OnToolResult(f.ID, f.Output, f.IsError)

	case "result":
		res := &Result{StopReason: f.StopReason}
		if f.Usage != nil {
			res.Usage = *f.Usage
		}
		return res, true, nil

	case "error":
		return nil, false, &ExecutionError{Err: errors.New(f.Message)}

	default:
		c.logger.Debug("ignoring unknown agent frame", "frame_type", f.Type)
	}
	return nil, false, nil
}

// handleAskUser suspends on the question bridge and feeds the outcome
// back to the agent as the tool result. A timeout becomes a failed tool
// result the model can react to; cancellation aborts the query.
func (c *ProcessClient) handleAskUser(ctx context.Context, f wireFrame, h EventHandler) error {
	var input askUserInput
	if err := json.Unmarshal(f.Input, &input); err != nil {
		return c.sendToolError(f.ID, "malformed ask_user input: "+err.Error())
	}

	answers, err := h.AskUser(ctx, input.Questions)
	switch {
	case err == nil:
		result, merr := json.Marshal(answers)
		if merr != nil {
			return c.sendToolError(f.ID, "failed to encode answers: "+merr.Error())
		}
		return c.send(wireFrame{Type: "tool_result", ID: f.ID, Result: result})

	case errors.Is(err, ask.ErrTimeout):
		return c.sendToolError(f.ID, "user did not respond in time")

	default:
		var verr *ask.ValidationError
		if errors.As(err, &verr) {
			return c.sendToolError(f.ID, verr.Error())
		}
		// Cancelled (interrupt or disconnect): abort the query.
		return err
	}
}

func (c *ProcessClient) sendToolError(id, message string) error {
	result, _ := json.Marshal(map[string]string{"error": message})
	return c.send(wireFrame{Type: "tool_result", ID: id, Result: result, IsError: true})
}

// interruptAndDrain tells the agent to stop the current turn and reads
// until its terminal frame so the stream is clean for the next query.
func (c *ProcessClient) interruptAndDrain(ctx context.Context) error {
	if err := c.send(wireFrame{Type: "interrupt"}); err != nil {
		return context.Cause(ctx)
	}

	grace := time.NewTimer(interruptGrace)
	defer grace.Stop()
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return context.Cause(ctx)
			}
			var f wireFrame
			if err := json.Unmarshal(line, &f); err != nil {
				continue
			}
			if f.Type == "result" || f.Type == "error" {
				return context.Cause(ctx)
			}
		case <-grace.C:
			c.logger.Warn("agent did not acknowledge interrupt in time")
			return context.Cause(ctx)
		}
	}
}

// Close terminates the agent process.
func (c *ProcessClient) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		err = c.cmd.Wait()
		c.logger.Info("agent process stopped")
	})
	return err
}
