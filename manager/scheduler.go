package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// VacuumScheduler runs Manager.Vacuum on a fixed interval. Vacuum is not
// triggered by the write path; the scheduler is the periodic external
// trigger that keeps the cache within its bounds.
type VacuumScheduler struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewVacuumScheduler creates a scheduler for the given manager.
// A zero interval defaults to one minute.
func NewVacuumScheduler(mgr *Manager, interval time.Duration, logger *slog.Logger) *VacuumScheduler {
	if interval == 0 {
		interval = 1 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VacuumScheduler{
		mgr:      mgr,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background vacuum passes.
func (s *VacuumScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops background vacuum passes and waits for the current one.
func (s *VacuumScheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *VacuumScheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.mgr.Vacuum(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mgr.Vacuum(ctx)
		}
	}
}
