package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/logging"
)

// Sweeper archives sessions that have been idle past a threshold.
// Only named sessions (auto_named or finalized) are eligible; sessions
// bound to a live connection are never touched.
type Sweeper struct {
	registry     *Registry
	archiveAfter time.Duration
	interval     time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates an archive sweeper over the registry's store.
func NewSweeper(registry *Registry, archiveAfter, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry:     registry,
		archiveAfter: archiveAfter,
		interval:     interval,
		logger:       logging.Session(),
	}
}

// SetArchiveAfter updates the inactivity threshold (safe while running).
func (s *Sweeper) SetArchiveAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.archiveAfter = d
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

func (s *Sweeper) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-stopCh:
			return
		}
	}
}

// SweepOnce runs a single archive pass and returns the number of
// sessions archived.
func (s *Sweeper) SweepOnce() int {
	s.mu.Lock()
	threshold := s.archiveAfter
	s.mu.Unlock()

	sessions, err := s.registry.Store().List()
	if err != nil {
		s.logger.Warn("archive sweep failed to list sessions", "error", err)
		return 0
	}

	now := time.Now()
	archived := 0
	for _, meta := range sessions {
		if meta.State != StateAutoNamed && meta.State != StateFinalized {
			continue
		}
		if now.Sub(meta.LastActivityAt) <= threshold {
			continue
		}
		if s.registry.IsLive(meta.SessionID) {
			continue
		}

		machine := NewStateMachine(s.registry.Store(), s.registry.Index(), meta.SessionID)
		if err := machine.Archive(); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				s.logger.Warn("failed to archive idle session",
					"session_id", meta.SessionID,
					"error", err)
			}
			continue
		}
		archived++
		s.logger.Info("archived idle session",
			"session_id", meta.SessionID,
			"idle", now.Sub(meta.LastActivityAt).Round(time.Second))
	}
	return archived
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.doneCh
}
