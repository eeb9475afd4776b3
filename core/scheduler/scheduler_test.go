package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	order []string
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job)}
}

func (s *fakeStore) CreateJob(_ context.Context, input models.JobInput) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	job := &models.Job{ID: fmt.Sprintf("job-%d", s.seq), Status: models.JobStatusQueued, Input: input}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *fakeStore) FailJob(_ context.Context, id string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return apperrors.ErrJobFinalized
	}
	job.Status = models.JobStatusFailed
	job.Error = &message
	return nil
}

func (s *fakeStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *fakeStore) get(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type services map[string]bool

func (s services) Has(name string) bool { return s[name] }

type recordingRunner struct {
	mu   sync.Mutex
	seen []string
	run  func(ctx context.Context, d *models.Delivery) error
}

func (r *recordingRunner) Run(ctx context.Context, d *models.Delivery) error {
	r.mu.Lock()
	r.seen = append(r.seen, d.JobID)
	r.mu.Unlock()
	if r.run != nil {
		return r.run(ctx, d)
	}
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type statusEvent struct {
	jobID  string
	status models.JobStatus
	extra  map[string]interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []statusEvent
}

func (e *recordingEmitter) Status(_ context.Context, jobID string, status models.JobStatus, extra map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, statusEvent{jobID: jobID, status: status, extra: extra})
}

func (e *recordingEmitter) snapshot() []statusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]statusEvent(nil), e.events...)
}

type brokenQueue struct{ *MemoryQueue }

func (brokenQueue) Enqueue(context.Context, string, time.Duration) error {
	return errors.New("broker down")
}

func trackInput(service string) models.JobInput {
	return models.JobInput{Source: models.Source{Service: service, ID: "T1", Type: models.MediaTypeTrack}}
}

func TestSubmitValidation(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, NewMemoryQueue(), nil, services{"squid": true}, nil, Options{}, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		input models.JobInput
	}{
		{name: "missing id", input: models.JobInput{Source: models.Source{Service: "squid", Type: models.MediaTypeTrack}}},
		{name: "missing service", input: models.JobInput{Source: models.Source{ID: "1", Type: models.MediaTypeTrack}}},
		{name: "bad type", input: models.JobInput{Source: models.Source{Service: "squid", ID: "1", Type: "video"}}},
		{name: "playlist without queries", input: models.JobInput{Source: models.Source{Service: "squid", Type: models.MediaTypePlaylist}}},
		{name: "empty playlist query", input: models.JobInput{
			Source:  models.Source{Service: "squid", Type: models.MediaTypePlaylist},
			Options: models.JobOptions{Queries: []string{"Coltrane - Blue Train", ""}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Submit(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CategoryInput))
		})
	}

	_, err := d.Submit(ctx, trackInput("tidal"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownService)
	assert.True(t, apperrors.Is(err, apperrors.CategoryInput))

	// Rejected requests never create a job
	assert.Empty(t, store.jobs)
}

func TestSubmitQueuesJob(t *testing.T) {
	store := newFakeStore()
	queue := NewMemoryQueue()
	d := NewDispatcher(store, queue, nil, services{"squid": true}, nil, Options{JobTimeout: time.Minute}, nil)

	job, err := d.Submit(context.Background(), trackInput("squid"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	delivery, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, delivery.JobID)
	assert.Equal(t, time.Minute, delivery.Timeout)
}

func TestSubmitEnqueueFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	emitter := &recordingEmitter{}
	d := NewDispatcher(store, brokenQueue{NewMemoryQueue()}, nil, nil, emitter, Options{}, nil)

	_, err := d.Submit(context.Background(), trackInput("squid"))
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	require.Len(t, store.order, 1)
	job := store.get(store.order[0])
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "broker down")

	evs := emitter.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, job.ID, evs[0].jobID)
	assert.Equal(t, models.JobStatusFailed, evs[0].status)
	assert.Equal(t, *job.Error, evs[0].extra["error"])
}

func TestSubmitAcceptsPlaylistQueries(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, NewMemoryQueue(), nil, services{"squid": true}, nil, Options{}, nil)

	job, err := d.Submit(context.Background(), models.JobInput{
		Source:  models.Source{Service: "squid", Type: models.MediaTypePlaylist},
		Options: models.JobOptions{Queries: []string{"John Coltrane - Blue Train"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestRunExecutesQueuedJobs(t *testing.T) {
	store := newFakeStore()
	queue := NewMemoryQueue()
	runner := &recordingRunner{}
	d := NewDispatcher(store, queue, runner, nil, nil, Options{Workers: 2, JobTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := d.Submit(ctx, trackInput("squid"))
		require.NoError(t, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return runner.count() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		n, _ := queue.Len(ctx)
		return n == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
	assert.ElementsMatch(t, store.order, runner.seen)
}

func TestWatchdogFailsStuckJob(t *testing.T) {
	store := newFakeStore()
	queue := NewMemoryQueue()
	release := make(chan struct{})
	defer close(release)

	// The runner ignores its context
	runner := &recordingRunner{run: func(context.Context, *models.Delivery) error {
		<-release
		return nil
	}}
	emitter := &recordingEmitter{}
	d := NewDispatcher(store, queue, runner, nil, emitter, Options{
		Workers:    1,
		JobTimeout: 20 * time.Millisecond,
		Grace:      20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := d.Submit(ctx, trackInput("squid"))
	require.NoError(t, err)
	go d.Run(ctx)

	assert.Eventually(t, func() bool {
		return store.get(job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed := store.get(job.ID)
	require.NotNil(t, failed.Error)
	assert.Equal(t, apperrors.ErrJobTimeout.Error(), *failed.Error)

	// Followers learn about the failure even though the runner never reports it
	assert.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := emitter.snapshot()[0]
	assert.Equal(t, job.ID, ev.jobID)
	assert.Equal(t, models.JobStatusFailed, ev.status)
	assert.Equal(t, apperrors.ErrJobTimeout.Error(), ev.extra["error"])
}

func TestWatchdogLeavesSettledJobAlone(t *testing.T) {
	store := newFakeStore()
	queue := NewMemoryQueue()
	release := make(chan struct{})
	defer close(release)

	// The runner settles the job, then hangs past the deadline
	runner := &recordingRunner{run: func(ctx context.Context, d *models.Delivery) error {
		assert.NoError(t, store.FailJob(ctx, d.JobID, "provider exploded"))
		<-release
		return nil
	}}
	emitter := &recordingEmitter{}
	d := NewDispatcher(store, queue, runner, nil, emitter, Options{
		Workers:    1,
		JobTimeout: 20 * time.Millisecond,
		Grace:      20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := d.Submit(ctx, trackInput("squid"))
	require.NoError(t, err)
	go d.Run(ctx)

	assert.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Well past timeout plus grace
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, "provider exploded", *store.get(job.ID).Error)
	assert.Empty(t, emitter.snapshot())
}

func TestRunnerSeesJobDeadline(t *testing.T) {
	store := newFakeStore()
	deadlines := make(chan time.Duration, 1)
	runner := &recordingRunner{run: func(ctx context.Context, _ *models.Delivery) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadlines <- 0
			return nil
		}
		deadlines <- time.Until(deadline)
		return nil
	}}
	d := NewDispatcher(store, NewMemoryQueue(), runner, nil, nil, Options{JobTimeout: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := d.Submit(ctx, trackInput("squid"))
	require.NoError(t, err)
	go d.Run(ctx)

	select {
	case left := <-deadlines:
		assert.InDelta(t, time.Hour.Seconds(), left.Seconds(), 5)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestRecoverReenqueuesQueuedJobsOldestFirst(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.CreateJob(ctx, trackInput("squid"))
		require.NoError(t, err)
	}
	require.NoError(t, store.FailJob(ctx, "job-2", "boom"))

	queue := NewMemoryQueue()
	// job-1 is already queued and must not be duplicated
	require.NoError(t, queue.Enqueue(ctx, "job-1", time.Minute))

	d := NewDispatcher(store, queue, nil, nil, nil, Options{}, nil)
	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, _ := queue.Len(ctx)
	assert.Equal(t, 2, length)

	first, _ := queue.Dequeue(ctx)
	second, _ := queue.Dequeue(ctx)
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, "job-3", second.JobID)
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, "a", time.Minute))
	require.NoError(t, q.Enqueue(ctx, "b", time.Minute))
	require.NoError(t, q.Enqueue(ctx, "a", time.Minute))

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d1.JobID)
	assert.Equal(t, 1, d1.Attempt)

	// In flight, so not queued again
	require.NoError(t, q.Enqueue(ctx, "a", time.Minute))
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Ack(ctx, d1))
	require.NoError(t, q.Enqueue(ctx, "a", time.Minute))

	d2, _ := q.Dequeue(ctx)
	d3, _ := q.Dequeue(ctx)
	assert.Equal(t, "b", d2.JobID)
	assert.Equal(t, "a", d3.JobID)
	assert.Equal(t, 1, d3.Attempt)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(timeoutCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueWakesBlockedWorker(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		d, err := q.Dequeue(ctx)
		if err == nil {
			got <- d.JobID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "late", time.Minute))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-ctx.Done():
		t.Fatal("blocked dequeue never woke")
	}
}
