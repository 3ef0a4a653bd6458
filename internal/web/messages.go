package web

import (
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/ask"
)

// Server -> client message types.
const (
	WSMsgTypeSessionCreated = "session_created"
	WSMsgTypeSessionResumed = "session_resumed"
	WSMsgTypeSessionNamed   = "session_named"
	WSMsgTypeQuestion       = "question"
	WSMsgTypeText           = "text"
	WSMsgTypeThinking       = "thinking"
	WSMsgTypeToolCall       = "tool_call"
	WSMsgTypeToolResult     = "tool_result"
	WSMsgTypeResult         = "result"
	WSMsgTypeError          = "error"
	WSMsgTypeServerInfo     = "server_info"
)

// Client -> server message types.
const (
	msgTypeUserMessage   = "user_message"
	msgTypeAnswer        = "answer"
	msgTypeInterrupt     = "interrupt"
	msgTypeConfigChange  = "config_change"
	msgTypeGetServerInfo = "get_server_info"
)

// ProtocolError reports a malformed or unrecognized inbound frame. It is
// logged and the frame dropped; the connection stays open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// ClientMessage is the closed set of inbound frame variants. The
// dispatcher switches exhaustively over these types, so a new frame type
// is a compile-visible change.
type ClientMessage interface {
	clientMessage()
}

// UserMessage starts or continues an agent query.
type UserMessage struct {
	Text  string   `json:"text"`
	Files []string `json:"files,omitempty"`
}

// AnswerMessage resolves a pending question.
type AnswerMessage struct {
	QuestionID string      `json:"question_id"`
	Answers    ask.Answers `json:"answers"`
}

// InterruptMessage cancels the in-flight query.
type InterruptMessage struct{}

// ConfigChangeMessage adjusts per-connection settings.
type ConfigChangeMessage struct {
	// QuestionTimeoutSeconds changes the deadline for future questions.
	QuestionTimeoutSeconds int `json:"question_timeout_seconds,omitempty"`
}

// ServerInfoRequest asks for a stateless server_info reply.
type ServerInfoRequest struct{}

func (UserMessage) clientMessage()         {}
func (AnswerMessage) clientMessage()       {}
func (InterruptMessage) clientMessage()    {}
func (ConfigChangeMessage) clientMessage() {}
func (ServerInfoRequest) clientMessage()   {}

// rawClientFrame mirrors the whole inbound frame: envelope fields plus
// every variant's payload fields, flattened the way clients send them.
type rawClientFrame struct {
	Type string `json:"type"`

	Text  string   `json:"text"`
	Files []string `json:"files"`

	QuestionID string          `json:"question_id"`
	Answers    json.RawMessage `json:"answers"`

	QuestionTimeoutSeconds int `json:"question_timeout_seconds"`
}

// decodeClientMessage parses one inbound frame into its typed variant.
func decodeClientMessage(frame []byte) (ClientMessage, error) {
	var raw rawClientFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed JSON: " + err.Error()}
	}

	switch raw.Type {
	case msgTypeUserMessage:
		if raw.Text == "" {
			return nil, &ProtocolError{Reason: "user_message with empty text"}
		}
		return UserMessage{Text: raw.Text, Files: raw.Files}, nil

	case msgTypeAnswer:
		if raw.QuestionID == "" {
			return nil, &ProtocolError{Reason: "answer without question_id"}
		}
		answers, err := decodeAnswers(raw.Answers)
		if err != nil {
			return nil, err
		}
		return AnswerMessage{QuestionID: raw.QuestionID, Answers: answers}, nil

	case msgTypeInterrupt:
		return InterruptMessage{}, nil

	case msgTypeConfigChange:
		return ConfigChangeMessage{QuestionTimeoutSeconds: raw.QuestionTimeoutSeconds}, nil

	case msgTypeGetServerInfo:
		return ServerInfoRequest{}, nil

	case "":
		return nil, &ProtocolError{Reason: "frame missing type field"}

	default:
		return nil, &ProtocolError{Reason: "unknown message type " + raw.Type}
	}
}

// decodeAnswers normalizes the answers payload: each value must be a
// single option label or a list of labels (for multi-select questions).
func decodeAnswers(raw json.RawMessage) (ask.Answers, error) {
	if len(raw) == 0 {
		return nil, &ProtocolError{Reason: "answer without answers payload"}
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, &ProtocolError{Reason: "answers must be an object"}
	}

	answers := make(ask.Answers, len(values))
	for question, value := range values {
		var label string
		if err := json.Unmarshal(value, &label); err == nil {
			answers[question] = label
			continue
		}
		var labels []string
		if err := json.Unmarshal(value, &labels); err == nil {
			answers[question] = labels
			continue
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf(
			"answer for %q must be a label or a list of labels", question)}
	}
	return answers, nil
}

// encodeServerFrame flattens a typed payload into one outbound frame:
// the payload's fields plus the discriminating "type" field, matching the
// flat shape of inbound frames.
func encodeServerFrame(msgType string, data any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("frame payload must be an object: %w", err)
		}
	}
	typeRaw, _ := json.Marshal(msgType)
	fields["type"] = typeRaw
	return json.Marshal(fields)
}

// QuestionEvent is the payload of a question frame.
type QuestionEvent struct {
	ID        string         `json:"id"`
	Questions []ask.Question `json:"questions"`
}

// SessionEvent is the payload of session_created and session_resumed.
type SessionEvent struct {
	SessionID   string          `json:"session_id"`
	DisplayName string          `json:"display_name,omitempty"`
	State       string          `json:"state,omitempty"`
	History     json.RawMessage `json:"history,omitempty"`
}

// ServerInfo is the payload of a server_info frame.
type ServerInfo struct {
	Name                   string `json:"name"`
	Version                string `json:"version"`
	AgentName              string `json:"agent_name"`
	ActiveSessions         int    `json:"active_sessions"`
	PendingQuestions       int    `json:"pending_questions"`
	QuestionTimeoutSeconds int    `json:"question_timeout_seconds"`
}
