package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/ask"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/session"
)

// sendBufferSize is the outbound frame buffer per connection.
const sendBufferSize = 256

// Conn is one live WebSocket connection bound to exactly one session.
// Its receive loop decodes frames and hands each one to its own
// goroutine, so a suspended user_message handler never stops an answer
// frame from being processed.
type Conn struct {
	id       string
	ws       *websocket.Conn
	send     chan []byte
	security WebSocketSecurityConfig
	clientIP string
	tracker  *ConnectionTracker

	registry     *session.Registry
	active       *session.Active
	askSync      *ask.Synchronizer
	agentClient  agent.Client
	agentSession *agent.Session

	server *Server
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	nameMu   sync.Mutex
	lastName string

	closeOnce sync.Once
}

// newConn wires up the per-connection object graph around an upgraded
// socket and an acquired session.
func newConn(s *Server, ws *websocket.Conn, active *session.Active, client agent.Client, ip string) *Conn {
	configureConn(ws, s.wsSecurity)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		security:    s.wsSecurity,
		clientIP:    ip,
		tracker:     s.tracker,
		registry:    s.registry,
		active:      active,
		agentClient: client,
		server:      s,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.logger = logging.WithConnection(logging.WebSocket(), c.id, active.ID)

	c.askSync = ask.NewSynchronizer(ask.Config{
		Emit: func(id string, questions []ask.Question) {
			c.sendEvent(WSMsgTypeQuestion, QuestionEvent{ID: id, Questions: questions})
		},
		Timeout: s.questionTimeout,
		Logger:  c.logger,
	})
	c.agentSession = agent.NewSession(client, s.registry.Store(), active, c.askSync)
	return c
}

// run drives the connection until the socket closes, then tears down.
func (c *Conn) run() {
	writerDone := make(chan struct{})
	go c.writePump(writerDone)

	c.readPump()
	c.teardown()
	<-writerDone
}

// readPump is the dispatcher loop: it is the only reader of the socket
// and never blocks on message handling.
func (c *Conn) readPump() {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("socket closed unexpectedly", "error", err)
			} else {
				c.logger.Debug("socket closed", "error", err)
			}
			return
		}

		msg, err := decodeClientMessage(frame)
		if err != nil {
			// Protocol errors drop the frame, never the connection.
			c.logger.Warn("dropping bad frame", "error", err)
			c.sendError(err.Error())
			continue
		}

		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("message handler panicked", "panic", r)
					c.sendError("internal error while handling message")
				}
			}()
			c.handle(msg)
		}()
	}
}

// handle routes one decoded frame. It runs in its own goroutine.
func (c *Conn) handle(msg ClientMessage) {
	switch m := msg.(type) {
	case UserMessage:
		c.handleUserMessage(m)

	case AnswerMessage:
		if !c.askSync.Resolve(m.QuestionID, m.Answers) {
			// Unknown, expired or already answered; nothing to do.
			c.logger.Debug("answer for unknown question", "question_id", m.QuestionID)
		}

	case InterruptMessage:
		c.agentSession.Interrupt()

	case ConfigChangeMessage:
		c.handleConfigChange(m)

	case ServerInfoRequest:
		c.sendEvent(WSMsgTypeServerInfo, c.server.serverInfo(c))

	default:
		c.logger.Warn("unhandled message variant")
	}
}

func (c *Conn) handleUserMessage(m UserMessage) {
	res, err := c.agentSession.Query(c.ctx, m.Text, m.Files, c)
	switch {
	case err == nil:
		c.notifyNamed()
		c.sendEvent(WSMsgTypeResult, res)

	case errors.Is(err, agent.ErrQueryInFlight):
		c.sendError("a query is already in flight")

	case errors.Is(err, agent.ErrInterrupted),
		errors.Is(err, ask.ErrCancelled),
		errors.Is(err, context.Canceled):
		c.sendEvent(WSMsgTypeResult, &agent.Result{StopReason: "interrupted"})

	default:
		c.logger.Error("query failed", "error", err)
		c.sendError(err.Error())
	}
}

// notifyNamed tells the client when the session picked up a display name.
// A name the client has already seen is not re-announced.
func (c *Conn) notifyNamed() {
	meta, err := c.registry.Store().GetMetadata(c.active.ID)
	if err != nil || meta.DisplayName == "" {
		return
	}

	c.nameMu.Lock()
	changed := meta.DisplayName != c.lastName
	if changed {
		c.lastName = meta.DisplayName
	}
	c.nameMu.Unlock()
	if !changed {
		return
	}
	c.sendEvent(WSMsgTypeSessionNamed, map[string]string{"name": meta.DisplayName})
}

func (c *Conn) handleConfigChange(m ConfigChangeMessage) {
	if m.QuestionTimeoutSeconds > 0 {
		d := time.Duration(m.QuestionTimeoutSeconds) * time.Second
		c.askSync.SetTimeout(d)
		c.logger.Info("question timeout changed", "timeout", d)
	}
}

// Sink implementation: streaming events from the query goroutine go
// straight onto the socket.

func (c *Conn) Text(delta string) {
	c.sendEvent(WSMsgTypeText, map[string]string{"text": delta})
}

func (c *Conn) Thinking(delta string) {
	c.sendEvent(WSMsgTypeThinking, map[string]string{"text": delta})
}

func (c *Conn) ToolCall(id, name string, input json.RawMessage) {
	c.sendEvent(WSMsgTypeToolCall, map[string]any{
		"id":    id,
		"name":  name,
		"input": input,
	})
}

func (c *Conn) ToolResult(id string, output json.RawMessage, isError bool) {
	c.sendEvent(WSMsgTypeToolResult, map[string]any{
		"id":       id,
		"output":   output,
		"is_error": isError,
	})
}

// sendEvent queues a typed frame. Non-blocking: when the buffer is full
// the frame is dropped rather than stalling a handler.
func (c *Conn) sendEvent(msgType string, data any) {
	frame, err := encodeServerFrame(msgType, data)
	if err != nil {
		c.logger.Error("failed to marshal event", "event_type", msgType, "error", err)
		return
	}

	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping frame", "event_type", msgType)
	}
}

func (c *Conn) sendError(message string) {
	c.sendEvent(WSMsgTypeError, map[string]string{"message": message})
}

// writePump is the only writer of the socket; it also drives keepalive.
func (c *Conn) writePump(done chan struct{}) {
	ticker := time.NewTicker(c.security.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs full cleanup after the receive loop exits: cancel the
// in-flight query, fail every pending question, release the session and
// the per-IP slot, and wait for spawned handlers to finish.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.logger.Info("connection closing")

		c.cancel()
		c.agentSession.Interrupt()
		c.askSync.CancelAll()

		c.tasks.Wait()

		if err := c.agentClient.Close(); err != nil {
			c.logger.Debug("agent client close", "error", err)
		}
		c.registry.Release(c.active.ID)
		c.tracker.Remove(c.clientIP)
		close(c.send)

		c.logger.Info("connection closed")
	})
}
