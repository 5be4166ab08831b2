package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Checker runs one poll cycle.
type Checker interface {
	CheckAll(ctx context.Context) error
}

// Scheduler triggers poll cycles on the configured interval.
type Scheduler struct {
	cron    *cron.Cron
	checker Checker
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	entryID  cron.EntryID
	interval int
	started  bool
}

// NewScheduler creates a scheduler. Each cycle is bounded by timeout.
func NewScheduler(checker Checker, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		checker: checker,
		logger:  logger,
		timeout: timeout,
	}
}

func spec(minutes int) string {
	return fmt.Sprintf("@every %dm", minutes)
}

// Reschedule replaces the poll entry with one firing every minutes.
func (s *Scheduler) Reschedule(minutes int) error {
	if minutes < 1 {
		minutes = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 && s.interval == minutes {
		return nil
	}
	id, err := s.cron.AddFunc(spec(minutes), s.run)
	if err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = id
	s.interval = minutes
	s.logger.Info("Poll interval set", "minutes", minutes)
	return nil
}

// Interval returns the scheduled interval in minutes, 0 if none.
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := s.checker.CheckAll(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Info("Skipping scheduled poll, cycle already running")
	case err != nil:
		s.logger.Warn("Scheduled poll failed", "error", err, "duration", time.Since(start))
	default:
		s.logger.Debug("Scheduled poll finished", "duration", time.Since(start))
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	s.mu.Unlock()
	<-ctx.Done()
}
