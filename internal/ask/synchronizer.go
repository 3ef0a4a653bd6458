package ask

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/logging"
)

// DefaultTimeout is the wall-clock deadline for an unanswered question.
const DefaultTimeout = 300 * time.Second

// EmitFunc delivers a registered question set to the connected client.
// It must not block; the WebSocket send path buffers.
type EmitFunc func(id string, questions []Question)

// outcome is the single terminal result of a pending question: exactly
// one of answers or err is set.
type outcome struct {
	answers Answers
	err     error
}

// pending is one registered, not-yet-resolved question set.
// done is buffered so the resolving side never blocks on the waiter.
type pending struct {
	id        string
	questions []Question
	createdAt time.Time
	done      chan outcome
}

// Synchronizer is the per-connection registry of pending questions.
// One instance exists per connection and is never shared across
// connections. Removal from the registry is the commit point for a
// terminal outcome; whichever path removes an id (answer, timeout,
// cancellation) is the only one that signals its waiter.
type Synchronizer struct {
	emit    EmitFunc
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*pending
}

// Config holds options for creating a Synchronizer.
type Config struct {
	// Emit delivers question events to the client. Required.
	Emit EmitFunc
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// Logger defaults to the session component logger.
	Logger *slog.Logger
}

// NewSynchronizer creates a synchronizer for one connection.
func NewSynchronizer(cfg Config) *Synchronizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Session()
	}
	return &Synchronizer{
		emit:    cfg.Emit,
		timeout: timeout,
		logger:  logger,
		entries: make(map[string]*pending),
	}
}

// SetTimeout changes the deadline for questions registered from now on.
func (s *Synchronizer) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Timeout returns the current question deadline.
func (s *Synchronizer) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Ask validates and registers a question set, emits it to the client and
// suspends until it is answered, the deadline passes, or ctx is
// cancelled. It runs inside the query goroutine, never in the dispatcher.
func (s *Synchronizer) Ask(ctx context.Context, questions []Question) (Answers, error) {
	if err := Validate(questions); err != nil {
		return nil, err
	}

	p := &pending{
		id:        uuid.NewString(),
		questions: questions,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}

	s.mu.Lock()
	s.entries[p.id] = p
	timeout := s.timeout
	s.mu.Unlock()

	s.logger.Debug("question registered",
		"question_id", p.id,
		"questions", len(questions),
		"timeout", timeout)

	s.emit(p.id, questions)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.answers, out.err

	case <-timer.C:
		if s.remove(p.id) {
			s.logger.Info("question timed out", "question_id", p.id)
			return nil, ErrTimeout
		}
		// Lost the race with a concurrent resolution; its outcome is
		// already buffered.
		out := <-p.done
		return out.answers, out.err

	case <-ctx.Done():
		if s.remove(p.id) {
			s.logger.Debug("question cancelled", "question_id", p.id)
			return nil, ErrCancelled
		}
		out := <-p.done
		return out.answers, out.err
	}
}

// Resolve delivers answers for a pending question. It runs in the answer
// handler's task. An unknown, expired or already-resolved id returns
// false and does nothing; it never panics into the dispatcher.
func (s *Synchronizer) Resolve(id string, answers Answers) bool {
	s.mu.Lock()
	p, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	p.done <- outcome{answers: answers}
	s.logger.Debug("question resolved",
		"question_id", id,
		"waited", time.Since(p.createdAt).Round(time.Millisecond))
	return true
}

// CancelAll resolves every pending question as cancelled. Called on
// disconnect and on interrupt; afterwards the registry is empty and no
// waiter is left orphaned.
func (s *Synchronizer) CancelAll() {
	s.mu.Lock()
	cancelled := make([]*pending, 0, len(s.entries))
	for _, p := range s.entries {
		cancelled = append(cancelled, p)
	}
	s.entries = make(map[string]*pending)
	s.mu.Unlock()

	for _, p := range cancelled {
		p.done <- outcome{err: ErrCancelled}
	}
	if len(cancelled) > 0 {
		s.logger.Info("cancelled pending questions", "count", len(cancelled))
	}
}

// PendingCount returns the number of registered, unresolved questions.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// remove deletes an id from the registry, reporting whether this caller
// won the removal (and therefore owns the terminal outcome).
func (s *Synchronizer) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}
