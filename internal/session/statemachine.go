package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/logging"
)

// StateMachine drives the lifecycle of a single session:
//
//	created -> auto_named -> finalized -> archived
//
// Transitions are monotonic and idempotent: re-applying a transition that
// has already happened is a no-op. Every applied transition performs
// exactly one alias update (unlink old, create new). The physical session
// directory is keyed by the immutable session id and is never renamed, so
// open file handles survive every transition.
type StateMachine struct {
	store     *Store
	index     *Index // optional; nil disables index updates
	sessionID string
	logger    *slog.Logger

	mu sync.Mutex
}

// NewStateMachine creates a state machine bound to an existing session.
func NewStateMachine(store *Store, index *Index, sessionID string) *StateMachine {
	return &StateMachine{
		store:     store,
		index:     index,
		sessionID: sessionID,
		logger:    logging.Session(),
	}
}

// SessionID returns the id of the session this machine drives.
func (m *StateMachine) SessionID() string {
	return m.sessionID
}

// State returns the session's current lifecycle state.
func (m *StateMachine) State() (State, error) {
	meta, err := m.store.GetMetadata(m.sessionID)
	if err != nil {
		return "", err
	}
	return meta.State, nil
}

// AutoName applies created -> auto_named with a derived display name.
// A no-op if the session has already been named, finalized or archived.
func (m *StateMachine) AutoName(name string) error {
	return m.transition(StateAutoNamed, name, func(current State) bool {
		return current == StateCreated
	})
}

// Finalize applies created/auto_named -> finalized. If name is non-empty
// it becomes the final display name; otherwise the current name is kept.
// A no-op if the session is already finalized or archived.
func (m *StateMachine) Finalize(name string) error {
	return m.transition(StateFinalized, name, func(current State) bool {
		return current == StateCreated || current == StateAutoNamed
	})
}

// Archive applies auto_named/finalized -> archived. Archived is terminal.
// Archiving a session still in created is an invalid transition.
func (m *StateMachine) Archive() error {
	return m.transition(StateArchived, "", func(current State) bool {
		return current == StateAutoNamed || current == StateFinalized
	})
}

// errAlreadyApplied marks a transition whose target state was already
// reached; callers treat it as success without writing anything.
var errAlreadyApplied = errors.New("transition already applied")

// transition applies one state change. allowed reports whether the change
// may fire from the current state; a current state at or past the target
// is an idempotent no-op, anything else is invalid. The state check and
// the write run in one UpdateMetadata closure, under the store's write
// lock, so independent machines for the same session never interleave a
// stale check with a commit.
func (m *StateMachine) transition(target State, name string, allowed func(State) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var from State
	var displayName string
	err := m.store.UpdateMetadata(m.sessionID, func(mm *Metadata) error {
		if mm.State.rank() >= target.rank() {
			// Already applied (or a later stage); idempotent.
			return errAlreadyApplied
		}
		if !allowed(mm.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mm.State, target)
		}

		displayName = mm.DisplayName
		if name != "" {
			displayName = name
		}
		if displayName == "" {
			displayName = "session-" + shortID(m.sessionID)
		}

		from = mm.State
		mm.State = target
		mm.DisplayName = displayName
		if target == StateArchived {
			mm.ArchivedAt = time.Now()
		}
		mm.AliasName = m.updateAlias(mm.AliasName, displayName)
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		return err
	}

	if m.index != nil {
		meta, err := m.store.GetMetadata(m.sessionID)
		if err == nil {
			if err := m.index.Upsert(meta); err != nil {
				m.logger.Warn("failed to update session index",
					"session_id", m.sessionID,
					"error", err)
			}
		}
	}

	m.logger.Info("session state transition",
		"session_id", m.sessionID,
		"from", from,
		"to", target,
		"display_name", displayName)
	return nil
}

// updateAlias performs the single alias update of a transition:
// unlink the old symlink, create the new one, return the new slug.
// Brief windows with no alias are acceptable; only human directory
// browsing reads these links.
func (m *StateMachine) updateAlias(oldAlias, displayName string) string {
	aliasDir := m.store.AliasDir()

	if oldAlias != "" {
		if err := os.Remove(filepath.Join(aliasDir, oldAlias)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove old alias",
				"alias", oldAlias,
				"error", err)
		}
	}

	slug := Slugify(displayName)
	if slug == "" {
		slug = "session-" + shortID(m.sessionID)
	}

	// Alias symlinks point at the stable per-id directory.
	target := filepath.Join("..", sessionsDirName, m.sessionID)
	if err := os.Symlink(target, filepath.Join(aliasDir, slug)); err != nil {
		if os.IsExist(err) {
			// Name collision with another session; disambiguate.
			slug = slug + "-" + shortID(m.sessionID)
			if err := os.Symlink(target, filepath.Join(aliasDir, slug)); err != nil && !os.IsExist(err) {
				m.logger.Warn("failed to create alias", "alias", slug, "error", err)
				return ""
			}
		} else {
			// Symlinks are a presentation convenience; the index row
			// still carries the display name.
			m.logger.Warn("failed to create alias", "alias", slug, "error", err)
			return ""
		}
	}
	return slug
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
