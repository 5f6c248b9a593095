package affinity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs index pruning every minute.
const DefaultPruneSchedule = "@every 1m"

// Scheduler periodically prunes the activity index so listing stays cheap.
type Scheduler struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a scheduler. An empty schedule uses DefaultPruneSchedule.
func NewScheduler(manager *Manager, schedule string, logger *slog.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "affinity.scheduler"),
	}
}

// Start schedules pruning until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule affinity pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("affinity pruning scheduled", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce prunes immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	n, err := s.manager.Prune(ctx)
	if err != nil {
		s.logger.Warn("affinity pruning failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("affinity index pruned", "removed", n)
	}
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
