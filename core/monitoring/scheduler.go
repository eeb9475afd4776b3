package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is a periodic maintenance function
type Task func(ctx context.Context) error

// Scheduler runs maintenance tasks on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler creates a new maintenance scheduler. Each run is bounded by timeout.
func NewScheduler(timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		logger:  logger,
	}
}

// Add registers task under a standard cron expression or descriptor such as "@every 15m"
func (s *Scheduler) Add(name, schedule string, task Task) error {
	_, err := s.cron.AddFunc(schedule, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.logger.Info("Scheduled maintenance task", zap.String("task", name), zap.String("schedule", schedule))
	return nil
}

// Every registers task at a fixed interval
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.run(name, task) }))
	s.logger.Info("Scheduled maintenance task", zap.String("task", name), zap.Duration("interval", interval))
}

// Start runs the scheduler until ctx is canceled
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("Maintenance scheduler stopped")
	}()
}

func (s *Scheduler) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("Maintenance task failed", zap.String("task", name), zap.Error(err))
		return
	}
	s.logger.Debug("Maintenance task completed", zap.String("task", name), zap.Duration("duration", time.Since(start)))
}
