// Package ask implements the question/answer bridge between an in-flight
// agent query and the WebSocket message that eventually answers it.
//
// The query goroutine calls Ask and suspends; a separately dispatched
// answer handler calls Resolve. Because the two run as independent tasks,
// the connection's receive loop is never blocked by a pending question.
package ask

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Question set limits, enforced before a set is registered.
const (
	MinQuestions = 1
	MaxQuestions = 4
	MinOptions   = 2
	MaxOptions   = 4
	MaxHeaderLen = 12
)

var (
	// ErrTimeout is returned by Ask when no answer arrives before the
	// deadline. The agent layer reports it to the model as a failed tool
	// result rather than a crashed query.
	ErrTimeout = errors.New("question timed out waiting for an answer")

	// ErrCancelled is returned by Ask when the query is interrupted or
	// the connection closes while the question is pending.
	ErrCancelled = errors.New("question cancelled")
)

// Option is one selectable choice of a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one structured multiple-choice question shown to the user.
type Question struct {
	// Question is the full prompt text; answers are keyed by it.
	Question string `json:"question"`
	// Header is a short tag shown next to the question (at most 12 chars).
	Header string `json:"header"`
	// MultiSelect allows choosing several options.
	MultiSelect bool `json:"multiSelect"`
	// Options are the selectable choices (2 to 4).
	Options []Option `json:"options"`
}

// Answers maps each question's full text to the chosen option label, or
// to a list of labels for multi-select questions.
type Answers map[string]any

// ValidationError reports an invalid question set. Validation happens
// before registration, so an invalid set never reaches the client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid question set: " + e.Reason
}

// Validate checks a question set against the structural limits.
func Validate(questions []Question) error {
	if len(questions) < MinQuestions || len(questions) > MaxQuestions {
		return &ValidationError{Reason: fmt.Sprintf(
			"expected %d to %d questions, got %d", MinQuestions, MaxQuestions, len(questions))}
	}
	for i, q := range questions {
		if q.Question == "" {
			return &ValidationError{Reason: fmt.Sprintf("question %d has empty text", i+1)}
		}
		if utf8.RuneCountInString(q.Header) > MaxHeaderLen {
			return &ValidationError{Reason: fmt.Sprintf(
				"question %d header exceeds %d characters", i+1, MaxHeaderLen)}
		}
		if len(q.Options) < MinOptions || len(q.Options) > MaxOptions {
			return &ValidationError{Reason: fmt.Sprintf(
				"question %d has %d options, expected %d to %d",
				i+1, len(q.Options), MinOptions, MaxOptions)}
		}
		for j, opt := range q.Options {
			if opt.Label == "" {
				return &ValidationError{Reason: fmt.Sprintf(
					"question %d option %d has empty label", i+1, j+1)}
			}
		}
	}
	return nil
}
