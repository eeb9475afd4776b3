package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func testInput() models.JobInput {
	return models.JobInput{
		Source:  models.Source{Service: "demo", ID: "album-1", Type: models.MediaTypeAlbum},
		Options: models.JobOptions{AlbumName: "Blue Train"},
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func statusPtr(v models.JobStatus) *models.JobStatus { return &v }

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"sqlite:///flaccy.db", "flaccy.db"},
		{"sqlite://flaccy.db", "flaccy.db"},
		{"sqlite:////var/lib/flaccy/flaccy.db", "/var/lib/flaccy/flaccy.db"},
		{"sqlite://:memory:", ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlitePath(tt.url))
		})
	}
}

func TestNewDBRejectsUnknownScheme(t *testing.T) {
	_, err := NewDB("mysql://localhost/flaccy")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	lite := &DB{dialect: DialectSQLite}
	q := `UPDATE jobs SET a = $1, b = $12 WHERE id = $1`

	assert.Equal(t, q, pg.Rebind(q))
	assert.Equal(t, `UPDATE jobs SET a = ?1, b = ?12 WHERE id = ?1`, lite.Rebind(q))
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "Blue Train", got.Input.Options.AlbumName)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)

	started := time.Now()
	require.NoError(t, repo.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:    statusPtr(models.JobStatusRunning),
		Progress:  intPtr(0),
		Step:      strPtr("Initializing"),
		StartedAt: &started,
	}))
	require.NoError(t, repo.UpdateJob(ctx, job.ID, models.JobUpdate{Progress: intPtr(42)}))

	got, err = repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 42, got.Progress)
	assert.Equal(t, "Initializing", got.Step)
	require.NotNil(t, got.StartedAt)

	result := models.JobResult{Files: []models.ResultFile{
		{Name: "Blue_Train.zip", Filename: "abc_Blue_Train.zip"},
		{Name: "01.flac", Filename: job.ID + "_ff_01.flac"},
	}}
	require.NoError(t, repo.CompleteJob(ctx, job.ID, result))

	got, err = repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Completed", got.Step)
	require.NotNil(t, got.Result)
	assert.Equal(t, result.Files, got.Result.Files)
	assert.NotNil(t, got.FinishedAt)
}

func TestTerminalJobsAreFinal(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	job, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, repo.FailJob(ctx, job.ID, "provider exploded"))

	err = repo.UpdateJob(ctx, job.ID, models.JobUpdate{Progress: intPtr(50)})
	assert.True(t, errors.Is(err, apperrors.ErrJobFinalized))

	err = repo.CompleteJob(ctx, job.ID, models.JobResult{Files: []models.ResultFile{{Name: "a", Filename: "b"}}})
	assert.True(t, errors.Is(err, apperrors.ErrJobFinalized))

	err = repo.FailJob(ctx, job.ID, "again")
	assert.True(t, errors.Is(err, apperrors.ErrJobFinalized))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "provider exploded", *got.Error)
	assert.Nil(t, got.Result)

	owner, found, err := NewArtifactRepository(repo.db).ArtifactOwner(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, owner)
}

func TestUnknownJob(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	_, err := repo.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	err = repo.UpdateJob(ctx, "missing", models.JobUpdate{Progress: intPtr(1)})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	assert.True(t, errors.Is(repo.DeleteJob(ctx, "missing"), apperrors.ErrNotFound))
}

func TestListAndDeleteJobs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewJobRepository(db)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)
	second, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJob(ctx, second.ID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning)}))

	all, err := repo.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	queued, err := repo.ListJobs(ctx, models.JobFilter{Status: statusPtr(models.JobStatusQueued)})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, first.ID, queued[0].ID)

	require.NoError(t, repo.CompleteJob(ctx, second.ID, models.JobResult{Files: []models.ResultFile{{Name: "x.flac", Filename: "k1"}}}))
	owner, found, err := NewArtifactRepository(db).ArtifactOwner(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, second.ID, owner)

	manifest, err := NewArtifactRepository(db).GetJobArtifacts(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, "x.flac", manifest[0].Name)
	assert.Equal(t, "k1", manifest[0].Key)

	require.NoError(t, repo.DeleteJob(ctx, second.ID))
	_, found, err = NewArtifactRepository(db).ArtifactOwner(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListJobsStartedBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	old, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)
	fresh, err := repo.CreateJob(ctx, testInput())
	require.NoError(t, err)

	longAgo := time.Now().Add(-3 * time.Hour)
	now := time.Now()
	require.NoError(t, repo.UpdateJob(ctx, old.ID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning), StartedAt: &longAgo}))
	require.NoError(t, repo.UpdateJob(ctx, fresh.ID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning), StartedAt: &now}))

	cutoff := time.Now().Add(-time.Hour)
	stale, err := repo.ListJobs(ctx, models.JobFilter{Status: statusPtr(models.JobStatusRunning), StartedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestEventRepositoryIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(newTestDB(t), 3)

	for i := 0; i < 5; i++ {
		ev, err := repo.Append(ctx, "job-1", models.EventTypeProgress, map[string]interface{}{"progress": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.ID)
	}

	// Other jobs have their own sequence
	ev, err := repo.Append(ctx, "job-2", models.EventTypeStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.ID)

	events, err := repo.Read(ctx, "job-1", -1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{2, 3, 4}, eventIDs(events))
	assert.Equal(t, float64(4), events[2].Fields["progress"])

	events, err = repo.Read(ctx, "job-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, eventIDs(events))

	require.NoError(t, repo.Clear(ctx, "job-1"))
	events, err = repo.Read(ctx, "job-1", -1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventRepositoryConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(newTestDB(t), 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Append(ctx, "job-1", models.EventTypeProgress, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := repo.Read(ctx, "job-1", -1)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.ID)
	}
}

func TestQueueRepositoryLeases(t *testing.T) {
	ctx := context.Background()
	q := NewQueueRepository(newTestDB(t), 10*time.Millisecond, time.Second)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, "a", time.Minute))
	now = now.Add(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "b", time.Minute))
	require.NoError(t, q.Enqueue(ctx, "a", time.Minute)) // duplicate ignored

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d.JobID)
	assert.Equal(t, time.Minute, d.Timeout)
	assert.Equal(t, 1, d.Attempt)

	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", d2.JobID)

	// Nothing left to lease until a lease expires
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Ack(ctx, d2))

	now = now.Add(2 * time.Minute)
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", redelivered.JobID)
	assert.Equal(t, 2, redelivered.Attempt)
}

func eventIDs(events []models.Event) []int64 {
	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
