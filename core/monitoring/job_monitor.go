package monitoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"go.uber.org/zap"
)

// JobStore is the part of the job store the monitor needs
type JobStore interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	FailJob(ctx context.Context, id string, message string) error
}

// Emitter publishes the status event for a reaped job
type Emitter interface {
	Status(ctx context.Context, jobID string, status models.JobStatus, extra map[string]interface{})
}

// ReapResult summarizes one monitoring pass
type ReapResult struct {
	FailedJobs     []string
	RemovedScratch []string
}

// JobMonitor fails jobs whose worker vanished and removes scratch
// directories left behind by crashed processes
type JobMonitor struct {
	jobs          JobStore
	emitter       Emitter
	maxRun        time.Duration
	workDir       string
	scratchPrefix string
	scratchTTL    time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewJobMonitor creates a new job monitor. Jobs running longer than maxRun are
// considered abandoned; maxRun should be the job timeout plus the watchdog grace.
func NewJobMonitor(
	jobs JobStore,
	emitter Emitter,
	maxRun time.Duration,
	workDir, scratchPrefix string,
	scratchTTL time.Duration,
	logger *zap.Logger,
) *JobMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &JobMonitor{
		jobs:          jobs,
		emitter:       emitter,
		maxRun:        maxRun,
		workDir:       workDir,
		scratchPrefix: scratchPrefix,
		scratchTTL:    scratchTTL,
		logger:        logger,
		now:           time.Now,
	}
}

// Reap runs one monitoring pass
func (jm *JobMonitor) Reap(ctx context.Context) (*ReapResult, error) {
	result := &ReapResult{}
	if err := jm.reapJobs(ctx, result); err != nil {
		return result, err
	}
	jm.reapScratch(result)
	return result, nil
}

func (jm *JobMonitor) reapJobs(ctx context.Context, result *ReapResult) error {
	status := models.JobStatusRunning
	cutoff := jm.now().Add(-jm.maxRun)
	jobs, err := jm.jobs.ListJobs(ctx, models.JobFilter{
		Status:        &status,
		StartedBefore: &cutoff,
		Limit:         500,
	})
	if err != nil {
		return err
	}

	message := apperrors.ErrJobTimeout.Error()
	for _, job := range jobs {
		if err := jm.jobs.FailJob(ctx, job.ID, message); err != nil {
			if errors.Is(err, apperrors.ErrJobFinalized) || errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			jm.logger.Error("Failed to reap job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if jm.emitter != nil {
			jm.emitter.Status(ctx, job.ID, models.JobStatusFailed, map[string]interface{}{"error": message})
		}
		jm.logger.Warn("Reaped abandoned job",
			zap.String("job_id", job.ID),
			zap.Timep("started_at", job.StartedAt))
		result.FailedJobs = append(result.FailedJobs, job.ID)
	}
	return nil
}

func (jm *JobMonitor) reapScratch(result *ReapResult) {
	if jm.scratchPrefix == "" || jm.scratchTTL <= 0 {
		return
	}
	entries, err := os.ReadDir(jm.workDir)
	if err != nil {
		jm.logger.Warn("Failed to list work dir", zap.String("dir", jm.workDir), zap.Error(err))
		return
	}

	cutoff := jm.now().Add(-jm.scratchTTL)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), jm.scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(jm.workDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			jm.logger.Warn("Failed to remove stale scratch dir",
				zap.String("dir", path),
				zap.Error(apperrors.Resource("remove scratch", err)))
			continue
		}
		result.RemovedScratch = append(result.RemovedScratch, path)
	}
}
