package repository

import (
	"context"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"
)

// QueueRepository is a durable work queue stored in the job database.
// A dequeued job is leased for its timeout plus grace; an expired lease is delivered again.
type QueueRepository struct {
	db           *DB
	pollInterval time.Duration
	grace        time.Duration
	now          func() time.Time
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *DB, pollInterval, grace time.Duration) *QueueRepository {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &QueueRepository{
		db:           db,
		pollInterval: pollInterval,
		grace:        grace,
		now:          time.Now,
	}
}

// Enqueue adds a job to the queue. Enqueuing a job that is already queued is a no-op.
func (r *QueueRepository) Enqueue(ctx context.Context, jobID string, timeout time.Duration) error {
	query := `
		INSERT INTO job_queue (job_id, enqueued_at, timeout_ms, attempts)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, jobID, r.now().UnixMilli(), timeout.Milliseconds()); err != nil {
		return apperrors.Persistence("enqueue job", err)
	}
	return nil
}

// Dequeue blocks until a job can be leased or ctx is done
func (r *QueueRepository) Dequeue(ctx context.Context) (*models.Delivery, error) {
	for {
		d, err := r.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *QueueRepository) claim(ctx context.Context) (*models.Delivery, error) {
	lock := ""
	if r.db.Dialect() == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE job_queue
		SET lease_until = $1 + timeout_ms + $2, attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id FROM job_queue
			WHERE lease_until IS NULL OR lease_until < $1
			ORDER BY enqueued_at ASC
			LIMIT 1` + lock + `
		)
		AND (lease_until IS NULL OR lease_until < $1)
		RETURNING job_id, timeout_ms, attempts
	`

	var d models.Delivery
	var timeoutMS int64
	err := r.db.QueryRow(ctx, query, r.now().UnixMilli(), r.grace.Milliseconds()).Scan(&d.JobID, &timeoutMS, &d.Attempt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Persistence("claim job", err)
	}
	d.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &d, nil
}

// Ack removes a finished delivery from the queue
func (r *QueueRepository) Ack(ctx context.Context, d *models.Delivery) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM job_queue WHERE job_id = $1`, d.JobID); err != nil {
		return apperrors.Persistence("ack job", err)
	}
	return nil
}

// Len returns the number of queued or leased jobs
func (r *QueueRepository) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM job_queue`).Scan(&n); err != nil {
		return 0, apperrors.Persistence("count queue", err)
	}
	return n, nil
}

// Ping checks the backing database
func (r *QueueRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
