// Package web serves the WebSocket session endpoint and the small REST
// surface around it (session listing, deletion, finalization, health).
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/session"
)

// AgentFactory creates the agent client for one connection, rooted in
// the session's workspace directory.
type AgentFactory func(workspaceDir string) (agent.Client, error)

// Config holds server settings.
type Config struct {
	Host      string
	Port      int
	AgentName string
	Version   string

	MaxConnectionsPerIP int
	QuestionTimeout     time.Duration
}

// Server owns the HTTP listener and the per-connection machinery.
type Server struct {
	cfg      Config
	registry *session.Registry
	factory  AgentFactory

	tracker         *ConnectionTracker
	wsSecurity      WebSocketSecurityConfig
	questionTimeout time.Duration
	upgrader        websocket.Upgrader

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server over the given session registry.
func NewServer(cfg Config, registry *session.Registry, factory AgentFactory) *Server {
	security := DefaultWebSocketSecurityConfig()
	if cfg.MaxConnectionsPerIP > 0 {
		security.MaxConnectionsPerIP = cfg.MaxConnectionsPerIP
	}

	s := &Server{
		cfg:             cfg,
		registry:        registry,
		factory:         factory,
		tracker:         NewConnectionTracker(security.MaxConnectionsPerIP),
		wsSecurity:      security,
		questionTimeout: cfg.QuestionTimeout,
		logger:          logging.WebSocket(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealth)
	router.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/finalize", s.handleFinalizeSession)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the listener until Shutdown or a listen failure.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
// Open WebSockets are closed by their own teardown when the socket drops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// handleWS upgrades the socket, binds a session (fresh, or resumed via
// ?session=<id>) and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.tracker.TryAdd(ip) {
		s.logger.Warn("connection rejected", "client_ip", ip,
			"live", s.tracker.Count(ip))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tracker.Remove(ip)
		s.logger.Warn("upgrade failed", "client_ip", ip, "error", err)
		return
	}

	active, resumed, err := s.bindSession(r)
	if err != nil {
		s.rejectSocket(ws, ip, err)
		return
	}

	meta, err := s.registry.Store().GetMetadata(active.ID)
	if err != nil {
		s.registry.Release(active.ID)
		s.rejectSocket(ws, ip, err)
		return
	}

	client, err := s.factory(meta.WorkspaceDir)
	if err != nil {
		s.registry.Release(active.ID)
		s.rejectSocket(ws, ip, fmt.Errorf("failed to start agent: %w", err))
		return
	}

	conn := newConn(s, ws, active, client, ip)
	conn.greet(meta, resumed)
	conn.run()
}

// bindSession acquires the session named by ?session=<id>, or creates a
// fresh one when the parameter is absent.
func (s *Server) bindSession(r *http.Request) (*session.Active, bool, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		active, err := s.registry.Acquire(id, r.RemoteAddr)
		if err != nil {
			return nil, false, err
		}
		return active, true, nil
	}
	active, err := s.registry.Create(r.RemoteAddr)
	return active, false, err
}

// rejectSocket reports a binding failure on an already-upgraded socket.
func (s *Server) rejectSocket(ws *websocket.Conn, ip string, err error) {
	s.logger.Warn("rejecting connection", "client_ip", ip, "error", err)

	frame, _ := encodeServerFrame(WSMsgTypeError, map[string]string{"message": err.Error()})
	ws.SetWriteDeadline(time.Now().Add(s.wsSecurity.WriteWait))
	ws.WriteMessage(websocket.TextMessage, frame)
	ws.Close()
	s.tracker.Remove(ip)
}

// greet sends the opening frame: session_created for a fresh session,
// session_resumed with replayed history for a resumption.
func (c *Conn) greet(meta session.Metadata, resumed bool) {
	// The greeting already carries the name; notifyNamed only announces
	// names the client has not seen yet.
	c.lastName = meta.DisplayName

	event := SessionEvent{
		SessionID:   meta.SessionID,
		DisplayName: meta.DisplayName,
		State:       string(meta.State),
	}
	if !resumed {
		c.sendEvent(WSMsgTypeSessionCreated, event)
		return
	}

	history, err := c.registry.Store().Load(meta.SessionID)
	if err != nil {
		c.logger.Warn("failed to load history for resume", "error", err)
		history = []session.Message{}
	}
	if data, err := json.Marshal(history); err == nil {
		event.History = data
	}
	c.sendEvent(WSMsgTypeSessionResumed, event)
}

// serverInfo builds the stateless server_info reply. It touches no
// session state, so it answers even while a question is pending.
func (s *Server) serverInfo(c *Conn) ServerInfo {
	return ServerInfo{
		Name:                   "parley",
		Version:                s.cfg.Version,
		AgentName:              s.cfg.AgentName,
		ActiveSessions:         s.registry.LiveCount(),
		PendingQuestions:       c.askSync.PendingCount(),
		QuestionTimeoutSeconds: int(c.askSync.Timeout() / time.Second),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if idx := s.registry.Index(); idx != nil {
		rows, err := idx.List()
		if err == nil {
			writeJSON(w, http.StatusOK, rows)
			return
		}
		s.logger.Warn("index list failed, falling back to store", "error", err)
	}

	sessions, err := s.registry.Store().List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.registry.IsLive(id) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "session is bound to a live connection"})
		return
	}

	if err := s.registry.Store().Delete(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if idx := s.registry.Index(); idx != nil {
		if err := idx.Delete(id); err != nil {
			s.logger.Warn("failed to remove session from index", "session_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		// An empty body keeps the current name.
		json.NewDecoder(r.Body).Decode(&body)
	}

	machine := session.NewStateMachine(s.registry.Store(), s.registry.Index(), id)
	if err := machine.Finalize(body.Name); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, session.ErrInvalidTransition):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	meta, err := s.registry.Store().GetMetadata(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
