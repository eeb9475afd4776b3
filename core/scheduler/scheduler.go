package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrQueueUnavailable is returned by Submit when a created job could not be enqueued
var ErrQueueUnavailable = errors.New("job queue unavailable")

// JobStore is the part of the job repository the dispatcher needs
type JobStore interface {
	CreateJob(ctx context.Context, input models.JobInput) (*models.Job, error)
	FailJob(ctx context.Context, id string, message string) error
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

// Runner executes one delivered job
type Runner interface {
	Run(ctx context.Context, d *models.Delivery) error
}

// StatusEmitter narrates status changes the dispatcher makes on a worker's behalf
type StatusEmitter interface {
	Status(ctx context.Context, jobID string, status models.JobStatus, extra map[string]interface{})
}

// ServiceCatalog reports whether a provider service is configured
type ServiceCatalog interface {
	Has(name string) bool
}

// Options tunes the dispatcher
type Options struct {
	Workers    int
	JobTimeout time.Duration
	Grace      time.Duration

	// SkipRecover leaves queued jobs from a previous run untouched on startup
	SkipRecover bool
}

// Dispatcher accepts jobs and runs them on a fixed pool of worker loops
type Dispatcher struct {
	jobs     JobStore
	queue    Queue
	runner   Runner
	services ServiceCatalog
	emitter  StatusEmitter
	validate *validator.Validate
	opts     Options
	logger   *zap.Logger

	retryDelay time.Duration
}

// NewDispatcher creates a new dispatcher. runner may be nil for API-only processes;
// emitter may be nil when nobody follows job events.
func NewDispatcher(jobs JobStore, queue Queue, runner Runner, services ServiceCatalog, emitter StatusEmitter, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Hour
	}
	return &Dispatcher{
		jobs:       jobs,
		queue:      queue,
		runner:     runner,
		services:   services,
		emitter:    emitter,
		validate:   validator.New(),
		opts:       opts,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Submit validates input, creates a queued job and enqueues it
func (d *Dispatcher) Submit(ctx context.Context, input models.JobInput) (*models.Job, error) {
	// Step 1: Validate the request
	if err := d.validate.Struct(input); err != nil {
		return nil, apperrors.Input("submit job", err)
	}
	if d.services != nil && !d.services.Has(input.Source.Service) {
		return nil, apperrors.Input("submit job",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownService, input.Source.Service))
	}
	if input.Source.Type == models.MediaTypePlaylist && len(input.Options.Queries) == 0 {
		return nil, apperrors.Input("submit job", errors.New("playlist jobs need at least one query"))
	}

	// Step 2: Persist the job
	job, err := d.jobs.CreateJob(ctx, input)
	if err != nil {
		return nil, err
	}

	// Step 3: Hand it to the queue
	if err := d.queue.Enqueue(ctx, job.ID, d.opts.JobTimeout); err != nil {
		d.logger.Error("Failed to enqueue job", zap.String("job_id", job.ID), zap.Error(err))
		msg := fmt.Sprintf("failed to enqueue job: %v", err)
		d.failJob(context.WithoutCancel(ctx), job.ID, msg, d.logger.With(zap.String("job_id", job.ID)))
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	d.logger.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.String("service", input.Source.Service),
		zap.String("type", string(input.Source.Type)))
	return job, nil
}

// Recover re-enqueues jobs still queued in the store. Enqueue is idempotent, so
// jobs the queue already holds are unaffected.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	status := models.JobStatusQueued
	jobs, err := d.jobs.ListJobs(ctx, models.JobFilter{Status: &status, Limit: 500})
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	// Oldest first, matching submission order
	recovered := 0
	for i := len(jobs) - 1; i >= 0; i-- {
		if err := d.queue.Enqueue(ctx, jobs[i].ID, d.opts.JobTimeout); err != nil {
			return recovered, fmt.Errorf("re-enqueue job %s: %w", jobs[i].ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// Run recovers queued jobs and runs the worker loops until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.runner == nil {
		return errors.New("dispatcher has no runner")
	}

	if !d.opts.SkipRecover {
		if n, err := d.Recover(ctx); err != nil {
			d.logger.Warn("Queued job recovery failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("Recovered queued jobs", zap.Int("count", n))
		}
	}

	d.logger.Info("Starting workers", zap.Int("workers", d.opts.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		logger := d.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			d.workerLoop(gctx, logger)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, logger *zap.Logger) {
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to dequeue job", zap.Error(err))
			if !sleepCtx(ctx, d.retryDelay) {
				return
			}
			continue
		}
		d.handle(ctx, delivery, logger.With(zap.String("job_id", delivery.JobID)))
	}
}

// handle runs one delivery under the job timeout. If the runner is still busy after
// timeout plus grace, the watchdog fails the job itself and abandons the runner.
func (d *Dispatcher) handle(ctx context.Context, delivery *models.Delivery, logger *zap.Logger) {
	timeout := delivery.Timeout
	if timeout <= 0 {
		timeout = d.opts.JobTimeout
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.runner.Run(jobCtx, delivery)
	}()

	watchdog := time.NewTimer(timeout + d.opts.Grace)
	defer watchdog.Stop()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("Job run ended with error", zap.Error(err))
		}
	case <-watchdog.C:
		logger.Error("Job exceeded maximum execution time", zap.Duration("timeout", timeout))
		d.failJob(context.WithoutCancel(ctx), delivery.JobID, apperrors.ErrJobTimeout.Error(), logger)
	case <-ctx.Done():
		// Shutting down: give the runner the grace period to record a terminal state.
		// Without an ack a durable queue redelivers the job after its lease.
		grace := time.NewTimer(d.opts.Grace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			logger.Warn("Worker stopped before job finished")
			return
		}
	}

	if err := d.queue.Ack(context.WithoutCancel(ctx), delivery); err != nil {
		logger.Warn("Failed to ack job", zap.Error(err))
	}
}

// failJob records a failure the worker could not record itself and tells event followers.
// A job that already reached a terminal state is left alone.
func (d *Dispatcher) failJob(ctx context.Context, jobID, message string, logger *zap.Logger) {
	err := d.jobs.FailJob(ctx, jobID, message)
	if errors.Is(err, apperrors.ErrJobFinalized) {
		return
	}
	if err != nil {
		logger.Error("Failed to mark job failed", zap.String("message", message), zap.Error(err))
		return
	}
	if d.emitter != nil {
		d.emitter.Status(ctx, jobID, models.JobStatusFailed, map[string]interface{}{"error": message})
	}
}

// Queue returns the dispatcher's queue
func (d *Dispatcher) Queue() Queue {
	return d.queue
}

func sleepCtx(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
