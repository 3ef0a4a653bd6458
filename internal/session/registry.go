package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/logging"
)

// Active is the live binding between a session and the connection that
// owns it. At most one Active exists per session id at any time.
type Active struct {
	ID           string
	ConnectionID string
	Machine      *StateMachine
	AcquiredAt   time.Time
}

// Registry tracks which sessions are currently bound to a live connection
// and creates new sessions. It replaces ambient global session state with
// an explicit object injected into the connection layer.
type Registry struct {
	store *Store
	index *Index

	mu   sync.Mutex
	live map[string]*Active

	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given store and index.
// The index may be nil.
func NewRegistry(store *Store, index *Index) *Registry {
	return &Registry{
		store:  store,
		index:  index,
		live:   make(map[string]*Active),
		logger: logging.Session(),
	}
}

// Store returns the underlying message store.
func (r *Registry) Store() *Store {
	return r.store
}

// Index returns the session index (may be nil).
func (r *Registry) Index() *Index {
	return r.index
}

// Create makes a brand-new session owned by connectionID. The workspace
// directory is the session's own storage directory.
func (r *Registry) Create(connectionID string) (*Active, error) {
	id := uuid.NewString()

	meta := Metadata{
		SessionID: id,
		State:     StateCreated,
	}
	meta.WorkspaceDir = r.store.SessionDir(id)
	if err := r.store.Create(meta); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if r.index != nil {
		stored, err := r.store.GetMetadata(id)
		if err == nil {
			if err := r.index.Upsert(stored); err != nil {
				r.logger.Warn("failed to index new session", "session_id", id, "error", err)
			}
		}
	}

	active := &Active{
		ID:           id,
		ConnectionID: connectionID,
		Machine:      NewStateMachine(r.store, r.index, id),
		AcquiredAt:   time.Now(),
	}

	r.mu.Lock()
	r.live[id] = active
	r.mu.Unlock()

	r.logger.Info("session created and acquired",
		"session_id", id,
		"connection_id", connectionID)
	return active, nil
}

// Acquire binds an existing session to connectionID for resumption.
// Returns ErrSessionBusy if another connection owns it and
// ErrSessionNotFound if it does not exist.
func (r *Registry) Acquire(sessionID, connectionID string) (*Active, error) {
	if !r.store.Exists(sessionID) {
		return nil, ErrSessionNotFound
	}

	r.mu.Lock()
	if owner, ok := r.live[sessionID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (connection %s)", ErrSessionBusy, owner.ConnectionID)
	}
	active := &Active{
		ID:           sessionID,
		ConnectionID: connectionID,
		Machine:      NewStateMachine(r.store, r.index, sessionID),
		AcquiredAt:   time.Now(),
	}
	r.live[sessionID] = active
	r.mu.Unlock()

	r.logger.Info("session acquired",
		"session_id", sessionID,
		"connection_id", connectionID)
	return active, nil
}

// Release drops the live binding for a session. The session's storage is
// untouched; only the in-memory ownership goes away.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	_, ok := r.live[sessionID]
	delete(r.live, sessionID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("session released", "session_id", sessionID)
	}
}

// IsLive reports whether a session is currently bound to a connection.
func (r *Registry) IsLive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[sessionID]
	return ok
}

// LiveCount returns the number of sessions bound to connections.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
