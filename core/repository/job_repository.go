package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for jobs
type JobRepository struct {
	db  *DB
	now func() time.Time
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const jobColumns = `id, status, progress, step, error, input_json, result_json,
	created_at, updated_at, started_at, finished_at`

// CreateJob persists a new queued job and returns it
func (r *JobRepository) CreateJob(ctx context.Context, input models.JobInput) (*models.Job, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, apperrors.Input("encode job input", err)
	}

	now := r.now()
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobStatusQueued,
		Progress:  0,
		Step:      "Queued",
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO jobs (id, status, progress, step, input_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.db.Exec(ctx, query, job.ID, job.Status, job.Progress, job.Step, string(inputJSON), now, now); err != nil {
		return nil, apperrors.Persistence("create job", err)
	}

	return job, nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Persistence("get job", err)
	}
	return job, nil
}

// UpdateJob applies a partial update in one statement. Terminal jobs are never modified;
// the update reports ErrJobFinalized for them and ErrNotFound for unknown ids.
func (r *JobRepository) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []interface{}{r.now()}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.Step != nil {
		add("step", *upd.Step)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.StartedAt != nil {
		add("started_at", upd.StartedAt.UTC())
	}
	if upd.FinishedAt != nil {
		add("finished_at", upd.FinishedAt.UTC())
	}

	args = append(args, id)
	idPos := len(args)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND status NOT IN (%s)`,
		strings.Join(sets, ", "), idPos, terminalList())

	res, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return apperrors.Persistence("update job", err)
	}
	return checkUpdated(ctx, r.db, res, id)
}

// CompleteJob marks a job succeeded and records its manifest in one transaction
func (r *JobRepository) CompleteJob(ctx context.Context, id string, result models.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return apperrors.Persistence("encode job result", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("begin complete job", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = $1, progress = 100, step = $2, result_json = $3, finished_at = $4, updated_at = $4
		WHERE id = $5 AND status NOT IN (%s)
	`, terminalList())

	res, err := tx.Exec(ctx, query, models.JobStatusSucceeded, "Completed", string(resultJSON), now, id)
	if err != nil {
		return apperrors.Persistence("complete job", err)
	}
	if err := checkUpdated(ctx, tx, res, id); err != nil {
		return err
	}

	// Provenance rows commit with the status change
	for _, f := range result.Files {
		_, err := tx.Exec(ctx,
			`INSERT INTO job_artifacts (job_id, name, artifact_key, created_at) VALUES ($1, $2, $3, $4)`,
			id, f.Name, f.Filename, now)
		if err != nil {
			return apperrors.Persistence("record artifact", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("commit complete job", err)
	}
	return nil
}

// FailJob marks a job failed with the given message
func (r *JobRepository) FailJob(ctx context.Context, id string, message string) error {
	status := models.JobStatusFailed
	now := r.now()
	return r.UpdateJob(ctx, id, models.JobUpdate{
		Status:     &status,
		Error:      &message,
		FinishedAt: &now,
	})
}

// ListJobs lists jobs newest first with optional filters
func (r *JobRepository) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.StartedBefore != nil {
		query += fmt.Sprintf(" AND started_at IS NOT NULL AND started_at < $%d", argIndex)
		args = append(args, filter.StartedBefore.UTC())
		argIndex++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Persistence("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list jobs", err)
	}
	return jobs, nil
}

// DeleteJob removes a job and its provenance rows
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("begin delete job", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(ctx, `DELETE FROM job_artifacts WHERE job_id = $1`, id); err != nil {
		return apperrors.Persistence("delete artifacts", err)
	}
	res, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.Persistence("delete job", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("commit delete job", err)
	}
	return nil
}

// querier is satisfied by both DB and Tx
type querier interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// checkUpdated turns a zero-row update into ErrNotFound or ErrJobFinalized
func checkUpdated(ctx context.Context, q querier, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Persistence("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var status models.JobStatus
	err = q.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if isNoRows(err) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return apperrors.Persistence("get job status", err)
	}
	return apperrors.ErrJobFinalized
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var errMsg sql.NullString
	var inputJSON string
	var resultJSON sql.NullString
	var startedAt sql.NullTime
	var finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Progress,
		&job.Step,
		&errMsg,
		&inputJSON,
		&resultJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if err := json.Unmarshal([]byte(inputJSON), &job.Input); err != nil {
		return nil, fmt.Errorf("decode input of job %s: %w", job.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result models.JobResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", job.ID, err)
		}
		job.Result = &result
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return &job, nil
}

func terminalList() string {
	quoted := make([]string, len(models.TerminalStatuses))
	for i, s := range models.TerminalStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}
