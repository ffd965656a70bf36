package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskHandler is a background sweep the scheduler runs on a cron schedule.
type TaskHandler interface {
	Execute(ctx context.Context) error
	Name() string
}

// task wraps a handler with its schedule and run bookkeeping.
type task struct {
	handler  TaskHandler
	schedule string
	entryID  cron.EntryID

	mu         sync.Mutex
	lastRun    time.Time
	runCount   int64
	errorCount int64
}

// Scheduler runs the background sweeps (escalation, metrics retention,
// health) on independent cron schedules. Sweeps share nothing with the
// assessment hot path and stop within the cron drain on shutdown.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu    sync.RWMutex
	tasks map[string]*task

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler with second-precision cron schedules.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*task),
	}
}

// Register schedules a sweep. Must be called before Start.
func (s *Scheduler) Register(handler TaskHandler, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[handler.Name()]; exists {
		return fmt.Errorf("task %q already registered", handler.Name())
	}

	t := &task{handler: handler, schedule: schedule}
	entryID, err := s.cron.AddFunc(schedule, func() { s.run(t) })
	if err != nil {
		return fmt.Errorf("failed to schedule task %q: %w", handler.Name(), err)
	}
	t.entryID = entryID
	s.tasks[handler.Name()] = t
	return nil
}

// Start begins running registered sweeps.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.mu.RLock()
	count := len(s.tasks)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "tasks", count)
}

// Stop cancels in-flight sweeps and waits for the cron runner to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	drained := s.cron.Stop()
	<-drained.Done()
	s.logger.Info("scheduler stopped")
}

// Stats returns per-task run counters, keyed by task name.
func (s *Scheduler) Stats() map[string]TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TaskStats, len(s.tasks))
	for name, t := range s.tasks {
		t.mu.Lock()
		out[name] = TaskStats{
			Schedule:   t.schedule,
			LastRun:    t.lastRun,
			RunCount:   t.runCount,
			ErrorCount: t.errorCount,
		}
		t.mu.Unlock()
	}
	return out
}

// TaskStats is the run bookkeeping for one sweep.
type TaskStats struct {
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Healthy reports whether the scheduler is running.
func (s *Scheduler) Healthy(ctx context.Context) error {
	if s.baseCtx == nil {
		return fmt.Errorf("scheduler not started")
	}
	return s.baseCtx.Err()
}

// Name implements the health registry contract.
func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) run(t *task) {
	start := time.Now()
	err := t.handler.Execute(s.baseCtx)
	elapsed := time.Since(start)

	t.mu.Lock()
	t.lastRun = start
	t.runCount++
	if err != nil {
		t.errorCount++
	}
	t.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled task failed",
			"task", t.handler.Name(),
			"duration", elapsed,
			"error", err)
		return
	}
	s.logger.Debug("scheduled task completed",
		"task", t.handler.Name(),
		"duration", elapsed)
}
