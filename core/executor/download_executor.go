package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/events"
	"flaccy/core/models"
	"flaccy/storage"

	"go.uber.org/zap"
)

// Job steps
const (
	StepInitializing = "Initializing"
	StepDownloading  = "Downloading"
	StepStoring      = "Storing"
	StepZipping      = "Zipping"
)

// ScratchPrefix prefixes every per-job scratch directory
const ScratchPrefix = "flaccy_job_"

// JobStore is the part of the job repository the executor needs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, upd models.JobUpdate) error
	CompleteJob(ctx context.Context, id string, result models.JobResult) error
	FailJob(ctx context.Context, id string, message string) error
}

// ProviderLookup resolves a service key to a provider
type ProviderLookup interface {
	Get(name string) (models.Provider, error)
}

// DownloadExecutor runs one download job to a terminal state
type DownloadExecutor struct {
	jobs      JobStore
	emitter   *events.Emitter
	providers ProviderLookup
	artifacts storage.Backend
	workDir   string
	logger    *zap.Logger

	terminalRetries int
	terminalBackoff time.Duration
	now             func() time.Time
}

// NewDownloadExecutor creates a new download executor. Scratch directories are created
// under workDir, or the system temp dir when it is empty.
func NewDownloadExecutor(
	jobs JobStore,
	emitter *events.Emitter,
	providers ProviderLookup,
	artifacts storage.Backend,
	workDir string,
	logger *zap.Logger,
) *DownloadExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadExecutor{
		jobs:            jobs,
		emitter:         emitter,
		providers:       providers,
		artifacts:       artifacts,
		workDir:         workDir,
		logger:          logger,
		terminalRetries: 5,
		terminalBackoff: 200 * time.Millisecond,
		now:             time.Now,
	}
}

// Run executes the delivered job. The job always ends succeeded or failed unless it
// was already terminal.
func (e *DownloadExecutor) Run(ctx context.Context, d *models.Delivery) error {
	logger := e.logger.With(zap.String("job_id", d.JobID), zap.Int("attempt", d.Attempt))

	job, err := e.jobs.GetJob(ctx, d.JobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("Job no longer exists")
		return nil
	}
	if err != nil {
		return apperrors.Persistence("load job", err)
	}

	switch {
	case job.Status.IsTerminal():
		logger.Info("Job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	case job.Status == models.JobStatusRunning:
		// An earlier worker lost this job mid-run; its partial work is not resumable
		logger.Warn("Redelivered job was interrupted")
		e.fail(ctx, job.ID, apperrors.ErrJobInterrupted.Error(), logger)
		return nil
	}

	logger.Info("Starting download job",
		zap.String("service", job.Input.Source.Service),
		zap.String("type", string(job.Input.Source.Type)),
		zap.String("media_id", job.Input.Source.ID))

	scratch, err := os.MkdirTemp(e.workDir, ScratchPrefix)
	if err != nil {
		e.fail(ctx, job.ID, fmt.Sprintf("create scratch directory: %v", err), logger)
		return apperrors.Resource("create scratch directory", err)
	}
	defer e.cleanup(scratch, logger)

	result, err := e.execute(ctx, job, scratch, logger)
	if settledElsewhere(err) {
		logger.Info("Job was settled elsewhere, abandoning run", zap.Error(err))
		return nil
	}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = apperrors.Timeout("run job", apperrors.ErrJobTimeout)
		case errors.Is(ctx.Err(), context.Canceled):
			err = apperrors.Timeout("run job", apperrors.ErrJobInterrupted)
		}
		e.fail(ctx, job.ID, failureMessage(err), logger)
		return err
	}

	e.complete(ctx, job.ID, result, logger)
	return nil
}

func (e *DownloadExecutor) execute(ctx context.Context, job *models.Job, scratch string, logger *zap.Logger) (*models.JobResult, error) {
	source := job.Input.Source
	multi := source.Type.MultiItem()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	rep := &reporter{exec: e, jobID: job.ID, logger: logger, cancel: cancel}

	// Step 1: Initializing
	started := e.now().UTC()
	if err := e.jobs.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:    statusPtr(models.JobStatusRunning),
		Progress:  intPtr(0),
		Step:      strPtr(StepInitializing),
		StartedAt: &started,
	}); err != nil {
		return nil, apperrors.Persistence("mark job running", err)
	}
	e.emitter.Status(ctx, job.ID, models.JobStatusRunning, map[string]interface{}{"step": StepInitializing})

	provider, err := e.providers.Get(source.Service)
	if err != nil {
		return nil, apperrors.Provider("resolve provider", err)
	}

	tracker := newProgressTracker(multi, 1, func() int { return countAudioFiles(scratch) })
	switch source.Type {
	case models.MediaTypeAlbum:
		if info, err := provider.GetAlbumInfo(ctx, source.ID); err != nil {
			logger.Warn("Album lookup failed, progress will use a single item estimate",
				zap.Error(apperrors.Enrichment("get album info", err)))
		} else {
			tracker.Estimate(albumItems(info))
		}
	case models.MediaTypePlaylist:
		tracker.Estimate(len(job.Input.Options.Queries))
	}

	// Step 2: Downloading
	if err := rep.step(ctx, StepDownloading); err != nil {
		return nil, err
	}

	var (
		res     *models.DownloadResult
		queries []models.QueryResult
	)
	if source.Type == models.MediaTypePlaylist {
		queries, err = e.downloadPlaylist(ctx, provider, job, scratch, tracker, rep)
		if err == nil {
			err = playlistOutcome(queries)
		}
	} else {
		res, err = provider.Download(ctx, models.DownloadRequest{
			Media:     []models.MediaRequest{{ID: source.ID, Type: source.Type}},
			OutputDir: scratch,
			Quality:   job.Input.Options.Quality,
			Progress: func(current, total int64) {
				if value, raw, ok := tracker.Download(current, total); ok {
					rep.progress(ctx, value, &raw)
				}
			},
			ItemDone: func(index, count int) {
				if value, ok := tracker.ItemDone(index, count); ok {
					rep.progress(ctx, value, nil)
				}
			},
		})
		if err != nil {
			err = apperrors.Provider("download", err)
		}
	}
	if lost := rep.err(); lost != nil {
		return nil, lost
	}
	if err != nil {
		logger.Error("Download failed", zap.Error(err))
		rep.emit(ctx, models.EventTypeError, map[string]interface{}{"message": failureMessage(err)})
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout("download", err)
	}
	if value, ok := tracker.FinishDownload(); ok {
		rep.progress(ctx, value, nil)
	}
	rep.emit(ctx, models.EventTypeCheckpoint, map[string]interface{}{
		"message": models.CheckpointDownloadComplete,
	})

	// Step 3: Storing
	if err := rep.step(ctx, StepStoring); err != nil {
		return nil, err
	}
	files, err := collectFiles(scratch)
	if err != nil {
		return nil, apperrors.Resource("collect downloaded files", err)
	}
	if len(files) == 0 {
		return nil, apperrors.Provider("download", errors.New("no files were downloaded"))
	}

	manifest := make([]models.ResultFile, 0, len(files)+1)
	for i, f := range files {
		if lost := rep.err(); lost != nil {
			return nil, lost
		}
		key, err := e.artifacts.Store(ctx, f.Path, job.ID, f.Name)
		if err != nil {
			return nil, apperrors.Persistence("store artifact", err)
		}
		manifest = append(manifest, models.ResultFile{Name: f.Name, Filename: key})

		rep.emit(ctx, models.EventTypeFile, map[string]interface{}{
			"name":     f.Name,
			"filename": key,
			"index":    i + 1,
			"total":    len(files),
		})
		if value, ok := tracker.Stored(i+1, len(files)); ok {
			rep.progress(ctx, value, nil)
		}
	}
	logger.Info("Stored artifacts", zap.Int("count", len(manifest)))

	// Step 4: Finalize multi-item downloads into one archive
	if multi {
		if err := rep.step(ctx, StepZipping); err != nil {
			return nil, err
		}
		album := ""
		if res != nil {
			album = res.Album
		}
		fallback := ""
		if source.Type == models.MediaTypePlaylist {
			fallback = "playlist_" + job.ID
		}
		title := albumTitle(job.ID, job.Input.Options.AlbumName, album, source.Album, fallback)

		archive, err := e.packageAlbum(ctx, job.ID, scratch, title, manifest)
		if err != nil {
			if lost := rep.err(); lost != nil {
				return nil, lost
			}
			if ctx.Err() != nil {
				return nil, apperrors.Timeout("package album", ctx.Err())
			}
			logger.Warn("Album archive failed, keeping individual files",
				zap.Error(apperrors.Packaging("package album", err)))
			rep.emit(ctx, models.EventTypeZipFailed, map[string]interface{}{
				"message": "zip_failed",
				"error":   err.Error(),
			})
		} else {
			manifest = append([]models.ResultFile{*archive}, manifest...)
			rep.emit(ctx, models.EventTypeCheckpoint, map[string]interface{}{
				"message": models.CheckpointZipComplete,
			})
		}
	}

	if lost := rep.err(); lost != nil {
		return nil, lost
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout("run job", err)
	}
	return &models.JobResult{Files: manifest, Queries: queries}, nil
}

func (e *DownloadExecutor) packageAlbum(ctx context.Context, jobID, scratch, title string, files []models.ResultFile) (*models.ResultFile, error) {
	path, err := buildArchive(ctx, e.artifacts, scratch, title, files)
	if err != nil {
		return nil, err
	}
	name := title + ".zip"
	key, err := e.artifacts.Store(ctx, path, jobID, name)
	if err != nil {
		return nil, fmt.Errorf("store archive: %w", err)
	}
	return &models.ResultFile{Name: name, Filename: key}, nil
}

// complete records success. The write outlives the job context and is retried
// because the job record is the source of truth.
func (e *DownloadExecutor) complete(ctx context.Context, jobID string, result *models.JobResult, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := e.retryTerminal(ctx, func() error {
		return e.jobs.CompleteJob(ctx, jobID, *result)
	})
	if settledElsewhere(err) {
		logger.Info("Job was settled elsewhere, dropping result", zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("Failed to record job success", zap.Error(err))
		return
	}

	e.emitter.Status(ctx, jobID, models.JobStatusSucceeded, map[string]interface{}{"step": "Completed"})
	fields := map[string]interface{}{"files": result.Files}
	if len(result.Queries) > 0 {
		fields["queries"] = result.Queries
	}
	e.emitter.Emit(ctx, jobID, models.EventTypeResult, fields)
	logger.Info("Job succeeded", zap.Int("files", len(result.Files)))
}

func (e *DownloadExecutor) fail(ctx context.Context, jobID, message string, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := e.retryTerminal(ctx, func() error {
		return e.jobs.FailJob(ctx, jobID, message)
	})
	if settledElsewhere(err) {
		logger.Info("Job was settled elsewhere, dropping failure", zap.String("message", message), zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("Failed to record job failure", zap.String("message", message), zap.Error(err))
		return
	}

	e.emitter.Status(ctx, jobID, models.JobStatusFailed, map[string]interface{}{"error": message})
	logger.Error("Job failed", zap.String("error", message))
}

func (e *DownloadExecutor) retryTerminal(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < e.terminalRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.terminalBackoff << (attempt - 1))
		}
		if err = write(); err == nil || settledElsewhere(err) {
			return err
		}
	}
	return err
}

func (e *DownloadExecutor) cleanup(scratch string, logger *zap.Logger) {
	if err := os.RemoveAll(scratch); err != nil {
		logger.Error("Failed to remove scratch directory",
			zap.String("path", scratch),
			zap.Error(apperrors.Resource("remove scratch directory", err)))
	}
}

// reporter persists progress and step changes and narrates them as events.
// Writes are serialized so persisted progress never goes backwards. Once the job
// is found settled elsewhere the reporter goes quiet and cancels the run.
type reporter struct {
	exec   *DownloadExecutor
	jobID  string
	logger *zap.Logger
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	current   string
	persisted int
	lost      error
}

// err returns why the run lost its job, or nil while it still owns it
func (r *reporter) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *reporter) step(ctx context.Context, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost != nil {
		return r.lost
	}
	r.current = step
	if !r.persist(ctx, models.JobUpdate{Step: &step}, zap.String("step", step)) {
		return r.lost
	}
	if ctx.Err() == nil {
		r.exec.emitter.Status(ctx, r.jobID, models.JobStatusRunning, map[string]interface{}{"step": step})
	}
	return nil
}

func (r *reporter) progress(ctx context.Context, value int, raw *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost != nil || value <= r.persisted {
		return
	}
	r.persisted = value
	if !r.persist(ctx, models.JobUpdate{Progress: &value}, zap.Int("progress", value)) || ctx.Err() != nil {
		return
	}

	fields := map[string]interface{}{
		"progress": value,
		"step":     r.current,
	}
	if raw != nil {
		fields["raw_progress"] = int(*raw * 100)
	}
	r.exec.emitter.Emit(ctx, r.jobID, models.EventTypeProgress, fields)
}

// emit appends an event unless the run is over
func (r *reporter) emit(ctx context.Context, eventType models.EventType, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost != nil || ctx.Err() != nil {
		return
	}
	r.exec.emitter.Emit(ctx, r.jobID, eventType, fields)
}

// persist writes upd and reports whether the job still belongs to this run.
// Callers hold mu.
func (r *reporter) persist(ctx context.Context, upd models.JobUpdate, field zap.Field) bool {
	err := r.exec.jobs.UpdateJob(ctx, r.jobID, upd)
	switch {
	case err == nil:
		return true
	case settledElsewhere(err):
		r.lost = err
		if r.cancel != nil {
			r.cancel(err)
		}
		return false
	default:
		r.logger.Warn("Failed to persist job update", field, zap.Error(err))
		return true
	}
}

// settledElsewhere reports an error from writing a job that another party, usually
// the watchdog or a delete, already finished with
func settledElsewhere(err error) bool {
	return errors.Is(err, apperrors.ErrJobFinalized) || errors.Is(err, apperrors.ErrNotFound)
}

// failureMessage is the text stored on a failed job
func failureMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Err != nil {
		return appErr.Err.Error()
	}
	return err.Error()
}

// albumItems is the album's track count, or 0 when unknown
func albumItems(info *models.AlbumInfo) int {
	if info == nil {
		return 0
	}
	if info.TrackCount > 0 {
		return info.TrackCount
	}
	return len(info.Tracks)
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
