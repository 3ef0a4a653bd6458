package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/fileutil"
	"github.com/parleyhq/parley/internal/logging"
)

const (
	messagesFileName = "messages.jsonl"
	metadataFileName = "metadata.json"

	sessionsDirName = "sessions"
	aliasDirName    = "by-name"
)

// Store is the append-only message log plus metadata for all sessions.
// Each session lives in <base>/sessions/<id>/ with messages.jsonl and
// metadata.json; human-readable aliases are symlinks under <base>/by-name/.
// Appends for a session are serialized by the store mutex; one connection
// owns a session at a time, so there is a single writer per session.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	log := logging.Store()
	for _, dir := range []string{
		filepath.Join(baseDir, sessionsDirName),
		filepath.Join(baseDir, aliasDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	log.Debug("message store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the store's base directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SessionDir returns the physical storage directory for a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionsDirName, sessionID)
}

// AliasDir returns the directory holding human-readable alias symlinks.
func (s *Store) AliasDir() string {
	return filepath.Join(s.baseDir, aliasDirName)
}

func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), messagesFileName)
}

func (s *Store) metadataPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), metadataFileName)
}

// Create creates the on-disk structure for a new session.
func (s *Store) Create(meta Metadata) error {
	log := logging.Store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := s.SessionDir(meta.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.Create(s.messagesPath(meta.SessionID))
	if err != nil {
		return fmt.Errorf("failed to create messages file: %w", err)
	}
	f.Close()

	now := time.Now()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	meta.LastActivityAt = now
	meta.MessageCount = 0
	if meta.State == "" {
		meta.State = StateCreated
	}

	if err := s.writeMetadata(meta); err != nil {
		return err
	}

	log.Debug("session created",
		"session_id", meta.SessionID,
		"workspace_dir", meta.WorkspaceDir,
		"session_dir", dir)
	return nil
}

// Append writes one completed turn to the session's message log.
// The write is a single line, so a failure never corrupts earlier entries.
func (s *Store) Append(sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.messagesPath(sessionID), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	logging.Store().Debug("message appended",
		"session_id", sessionID,
		"role", msg.Role,
		"blocks", len(msg.Blocks))

	meta.MessageCount++
	meta.UpdatedAt = time.Now()
	meta.LastActivityAt = meta.UpdatedAt
	return s.writeMetadata(meta)
}

// Load reads all messages of a session in append order. A session with no
// history yields an empty slice, not an error.
func (s *Store) Load(sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, err := os.Stat(s.metadataPath(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to stat metadata: %w", err)
	}

	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(f)
	// Agent turns can carry large tool outputs; default 64KB lines are
	// not enough.
	const maxScannerBuffer = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// GetMetadata retrieves the metadata for a session.
func (s *Store) GetMetadata(sessionID string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Metadata{}, ErrStoreClosed
	}
	return s.readMetadata(sessionID)
}

// UpdateMetadata applies updateFn to the session's metadata and persists
// it. The read, the closure and the write all happen under the store
// lock, so concurrent updaters see each other's committed state. If
// updateFn returns an error, nothing is written and that error is
// returned.
func (s *Store) UpdateMetadata(sessionID string, updateFn func(*Metadata) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}
	if err := updateFn(&meta); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now()
	return s.writeMetadata(meta)
}

// Touch updates the session's last-activity timestamp.
func (s *Store) Touch(sessionID string) error {
	return s.UpdateMetadata(sessionID, func(m *Metadata) error {
		m.LastActivityAt = time.Now()
		return nil
	})
}

// List returns metadata for all sessions.
func (s *Store) List() ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(filepath.Join(s.baseDir, sessionsDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			// Skip sessions with unreadable metadata.
			continue
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

// Exists checks if a session exists.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, err := os.Stat(s.metadataPath(sessionID))
	return err == nil
}

// Delete removes a session's storage and its alias symlink, if any.
func (s *Store) Delete(sessionID string) error {
	log := logging.Store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return err
	}
	if meta.AliasName != "" {
		os.Remove(filepath.Join(s.AliasDir(), meta.AliasName))
	}

	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return err
	}
	log.Debug("session deleted", "session_id", sessionID)
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.Store().Debug("message store closed", "base_dir", s.baseDir)
	return nil
}

// readMetadata reads metadata from disk (lock must be held).
func (s *Store) readMetadata(sessionID string) (Metadata, error) {
	var meta Metadata
	if err := fileutil.ReadJSON(s.metadataPath(sessionID), &meta); err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrSessionNotFound
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return meta, nil
}

// writeMetadata writes metadata to disk (lock must be held).
func (s *Store) writeMetadata(meta Metadata) error {
	if err := fileutil.WriteJSONAtomic(s.metadataPath(meta.SessionID), meta, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
