// Package session provides session persistence, lifecycle state and
// naming for Parley.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session is owned by another connection")
	ErrStoreClosed       = errors.New("store is closed")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is the lifecycle stage of a session.
// Transitions are monotonic: created -> auto_named -> finalized -> archived.
type State string

const (
	// StateCreated is the initial state of a fresh session.
	StateCreated State = "created"
	// StateAutoNamed is entered when the first assistant response
	// completes and a descriptive name has been derived.
	StateAutoNamed State = "auto_named"
	// StateFinalized is entered on an explicit end-session action.
	StateFinalized State = "finalized"
	// StateArchived is terminal; no further transitions are accepted.
	StateArchived State = "archived"
)

// rank orders states for monotonicity checks.
func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateAutoNamed:
		return 1
	case StateFinalized:
		return 2
	case StateArchived:
		return 3
	default:
		return -1
	}
}

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block within a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one ordered piece of a message.
type ContentBlock struct {
	Type     BlockType       `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// Message is one completed conversation turn. Messages are appended when
// a turn completes, never per streaming delta.
type Message struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Timestamp time.Time      `json:"timestamp"`
}

// TextMessage builds a single-block text message.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Blocks:    []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now(),
	}
}

// Metadata is the per-session record stored next to the message log.
// The session directory is keyed by the immutable SessionID and is never
// renamed; only DisplayName and the alias change.
type Metadata struct {
	SessionID      string    `json:"session_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	AliasName      string    `json:"alias_name,omitempty"` // current alias slug, empty if none
	State          State     `json:"state"`
	WorkspaceDir   string    `json:"workspace_dir,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
	ArchivedAt     time.Time `json:"archived_at,omitempty"`
}
