package main

import (
	"context"
	"errors"
	"fmt"

	"flaccy/config"
	"flaccy/core/events"
	"flaccy/core/executor"
	"flaccy/core/monitoring"
	"flaccy/core/repository"
	"flaccy/core/scheduler"
	"flaccy/providers"
	"flaccy/storage"

	"go.uber.org/zap"
)

// app holds the wired components shared by the commands
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *repository.DB
	jobs      *repository.JobRepository
	index     *repository.ArtifactRepository
	eventLog  events.Log
	queue     scheduler.Queue
	queueLen  monitoring.QueueLen
	artifacts storage.Backend
	registry  *providers.Registry

	dispatcher *scheduler.Dispatcher
	closers    []func() error
}

// newApp connects the stores. withRunner attaches an executor so the dispatcher can run workers.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withRunner bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Step 1: Job store
	db, err := repository.NewDB(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.jobs = repository.NewJobRepository(db)
	a.index = repository.NewArtifactRepository(db)

	// Step 2: Event log, queue, artifact store
	if err := a.openEvents(); err != nil {
		a.Close()
		return nil, err
	}
	a.openQueue()
	if err := a.openArtifacts(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// Step 3: Providers
	catalog, err := providers.LoadCatalog(cfg.Providers.Catalog)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.registry, err = providers.Build(catalog, logger); err != nil {
		a.Close()
		return nil, err
	}

	// Step 4: Dispatcher, with an executor when this process runs jobs
	emitter := events.NewEmitter(a.eventLog, logger)
	var runner scheduler.Runner
	if withRunner {
		runner = executor.NewDownloadExecutor(
			a.jobs,
			emitter,
			a.registry,
			a.artifacts,
			cfg.Workers.WorkDir,
			logger,
		)
	}
	a.dispatcher = scheduler.NewDispatcher(a.jobs, a.queue, runner, a.registry, emitter, scheduler.Options{
		Workers:     cfg.Workers.Count,
		JobTimeout:  cfg.Workers.JobTimeout,
		Grace:       cfg.Workers.Grace,
		SkipRecover: !cfg.Workers.RecoverJobs,
	}, logger)

	return a, nil
}

func (a *app) openEvents() error {
	switch a.cfg.Events.Backend {
	case "memory":
		a.eventLog = events.NewMemoryLog(a.cfg.Events.MaxPerJob)
	case "sql":
		a.eventLog = repository.NewEventRepository(a.db, a.cfg.Events.MaxPerJob)
	case "badger":
		bdb, err := events.OpenBadger(a.cfg.Events.BadgerPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, bdb.Close)
		log, err := events.NewBadgerLog(bdb, a.cfg.Events.MaxPerJob)
		if err != nil {
			return err
		}
		a.eventLog = log
	default:
		return fmt.Errorf("unknown events backend %q", a.cfg.Events.Backend)
	}
	a.logger.Info("Event log ready", zap.String("backend", a.cfg.Events.Backend))
	return nil
}

func (a *app) openQueue() {
	if a.cfg.Queue.Backend == "sql" {
		q := repository.NewQueueRepository(a.db, a.cfg.Queue.PollInterval, a.cfg.Workers.Grace)
		a.queue, a.queueLen = q, q
		return
	}
	q := scheduler.NewMemoryQueue()
	a.queue, a.queueLen = q, q
}

func (a *app) openArtifacts(ctx context.Context) error {
	switch a.cfg.Artifacts.Backend {
	case "s3":
		s3cfg := a.cfg.Artifacts.S3
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return err
		}
		a.artifacts = store
	default:
		store, err := storage.NewFileStore(a.cfg.Artifacts.Dir, a.cfg.Artifacts.OwnerUID, a.cfg.Artifacts.OwnerGID, a.logger)
		if err != nil {
			return err
		}
		a.artifacts = store
	}
	return nil
}

// sweeper builds the artifact reclaimer
func (a *app) sweeper() *storage.Sweeper {
	return storage.NewSweeper(a.artifacts, a.index, a.logger)
}

// maintenance schedules the job reaper and, when enabled, the artifact sweep
func (a *app) maintenance(withSweep bool) (*monitoring.Scheduler, error) {
	sched := monitoring.NewScheduler(0, a.logger)

	monitor := monitoring.NewJobMonitor(
		a.jobs,
		events.NewEmitter(a.eventLog, a.logger),
		a.cfg.Workers.JobTimeout+a.cfg.Workers.Grace,
		a.cfg.Workers.WorkDir,
		executor.ScratchPrefix,
		a.cfg.Workers.ScratchTTL,
		a.logger,
	)
	if a.cfg.Workers.ReapEvery > 0 {
		sched.Every("reap", a.cfg.Workers.ReapEvery, func(ctx context.Context) error {
			result, err := monitor.Reap(ctx)
			if err != nil {
				return err
			}
			if len(result.FailedJobs)+len(result.RemovedScratch) > 0 {
				a.logger.Info("Reaped abandoned work",
					zap.Int("jobs", len(result.FailedJobs)),
					zap.Int("scratch_dirs", len(result.RemovedScratch)))
			}
			return nil
		})
	}

	if withSweep && a.cfg.Artifacts.SweepSchedule != "" {
		sweeper := a.sweeper()
		err := sched.Add("sweep", a.cfg.Artifacts.SweepSchedule, func(ctx context.Context) error {
			result, err := sweeper.Sweep(ctx, a.cfg.Artifacts.TTL, a.cfg.Artifacts.MaxBytes)
			if err != nil {
				return err
			}
			a.logger.Info("Artifact sweep finished",
				zap.Int("deleted", result.Deleted),
				zap.Int64("freed_bytes", result.FreedBytes))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Close releases stores in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
