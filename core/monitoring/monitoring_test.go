package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"flaccy/core/events"
	"flaccy/core/models"
	"flaccy/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJobRepo(t *testing.T) *repository.JobRepository {
	t.Helper()
	db, err := repository.NewDB("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return repository.NewJobRepository(db)
}

func createJob(t *testing.T, jobs *repository.JobRepository, status models.JobStatus) string {
	t.Helper()
	ctx := context.Background()
	job, err := jobs.CreateJob(ctx, models.JobInput{
		Source: models.Source{Service: "demo", ID: "1", Type: models.MediaTypeTrack},
	})
	require.NoError(t, err)
	if status == models.JobStatusQueued {
		return job.ID
	}
	started := time.Now()
	require.NoError(t, jobs.UpdateJob(ctx, job.ID, models.JobUpdate{Status: &status, StartedAt: &started}))
	return job.ID
}

func TestReapFailsAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	jobs := newJobRepo(t)
	log := events.NewMemoryLog(100)

	stale := createJob(t, jobs, models.JobStatusRunning)
	queued := createJob(t, jobs, models.JobStatusQueued)

	jm := NewJobMonitor(jobs, events.NewEmitter(log, nil), time.Hour, t.TempDir(), "flaccy_job_", 0, nil)

	// Nothing is old enough yet
	result, err := jm.Reap(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.FailedJobs)

	jm.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	result, err = jm.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, result.FailedJobs)

	job, err := jobs.GetJob(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "job exceeded maximum execution time", *job.Error)

	evs, err := log.Read(ctx, stale, -1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventTypeStatus, evs[0].Type)
	assert.Equal(t, models.JobStatusFailed, evs[0].Fields["status"])

	job, err = jobs.GetJob(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	// A second pass finds nothing
	result, err = jm.Reap(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.FailedJobs)
}

func TestReapRemovesStaleScratchDirs(t *testing.T) {
	workDir := t.TempDir()
	old := filepath.Join(workDir, "flaccy_job_old")
	fresh := filepath.Join(workDir, "flaccy_job_fresh")
	other := filepath.Join(workDir, "unrelated")
	for _, dir := range []string{old, fresh, other} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(old, "01.flac"), []byte("x"), 0o600))
	past := time.Now().Add(-12 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	jm := NewJobMonitor(newJobRepo(t), nil, time.Hour, workDir, "flaccy_job_", 6*time.Hour, nil)
	result, err := jm.Reap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{old}, result.RemovedScratch)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
}

type fixedQueue int

func (q fixedQueue) Len(context.Context) (int, error) { return int(q), nil }

func TestPrometheusMetrics(t *testing.T) {
	jobs := newJobRepo(t)
	running := createJob(t, jobs, models.JobStatusRunning)
	createJob(t, jobs, models.JobStatusQueued)
	createJob(t, jobs, models.JobStatusQueued)

	progress := 42
	step := "Downloading"
	require.NoError(t, jobs.UpdateJob(context.Background(), running, models.JobUpdate{Progress: &progress, Step: &step}))

	out, err := NewMetricsExporter(jobs, fixedQueue(2)).GetPrometheusMetrics(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, `flaccy_jobs{status="queued"} 2`)
	assert.Contains(t, out, `flaccy_jobs{status="running"} 1`)
	assert.Contains(t, out, `flaccy_jobs{status="failed"} 0`)
	assert.Contains(t, out, `flaccy_job_progress{job_id="`+running+`",step="Downloading"} 42`)
	assert.Contains(t, out, "flaccy_queue_depth 2")
}

func TestSchedulerRunsTasks(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	require.Error(t, s.Add("bad", "not a schedule", func(context.Context) error { return nil }))

	var runs atomic.Int32
	s.Every("count", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
