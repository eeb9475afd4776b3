package repository

import (
	"context"
	"encoding/json"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"
)

// EventRepository is a SQL-backed per-job event log shared by every process using the database
type EventRepository struct {
	db        *DB
	maxPerJob int64
	now       func() time.Time
}

// NewEventRepository creates a new event repository retaining at most maxPerJob events per job
func NewEventRepository(db *DB, maxPerJob int) *EventRepository {
	if maxPerJob <= 0 {
		maxPerJob = 1000
	}
	return &EventRepository{
		db:        db,
		maxPerJob: int64(maxPerJob),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the next id for the job, stores the event and trims the oldest overflow
func (r *EventRepository) Append(ctx context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) (models.Event, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return models.Event{}, apperrors.Persistence("encode event fields", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return models.Event{}, apperrors.Persistence("begin append event", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Step 1: Reserve the id; the counter row serializes concurrent appenders
	var id int64
	seqQuery := `
		INSERT INTO job_event_seq (job_id, next_id) VALUES ($1, 1)
		ON CONFLICT (job_id) DO UPDATE SET next_id = job_event_seq.next_id + 1
		RETURNING next_id - 1
	`
	if err := tx.QueryRow(ctx, seqQuery, jobID).Scan(&id); err != nil {
		return models.Event{}, apperrors.Persistence("reserve event id", err)
	}

	// Step 2: Store the event
	now := r.now()
	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (job_id, id, type, at, fields_json) VALUES ($1, $2, $3, $4, $5)`,
		jobID, id, eventType, now, string(fieldsJSON))
	if err != nil {
		return models.Event{}, apperrors.Persistence("insert event", err)
	}

	// Step 3: Trim beyond the retention cap
	if id >= r.maxPerJob {
		_, err = tx.Exec(ctx, `DELETE FROM job_events WHERE job_id = $1 AND id <= $2`, jobID, id-r.maxPerJob)
		if err != nil {
			return models.Event{}, apperrors.Persistence("trim events", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, apperrors.Persistence("commit event", err)
	}

	return models.Event{ID: id, JobID: jobID, Type: eventType, Timestamp: now, Fields: fields}, nil
}

// Read returns retained events with id greater than afterID in ascending order
func (r *EventRepository) Read(ctx context.Context, jobID string, afterID int64) ([]models.Event, error) {
	query := `
		SELECT id, type, at, fields_json
		FROM job_events
		WHERE job_id = $1 AND id > $2
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, jobID, afterID)
	if err != nil {
		return nil, apperrors.Persistence("read events", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var event models.Event
		var fieldsJSON string

		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Timestamp,
			&fieldsJSON,
		)
		if err != nil {
			return nil, apperrors.Persistence("scan event", err)
		}

		event.JobID = jobID
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &event.Fields); err != nil {
				return nil, apperrors.Persistence("decode event fields", err)
			}
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("read events", err)
	}

	return events, nil
}

// Clear removes a job's events and its id counter
func (r *EventRepository) Clear(ctx context.Context, jobID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("begin clear events", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(ctx, `DELETE FROM job_events WHERE job_id = $1`, jobID); err != nil {
		return apperrors.Persistence("clear events", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_event_seq WHERE job_id = $1`, jobID); err != nil {
		return apperrors.Persistence("clear event counter", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("commit clear events", err)
	}
	return nil
}

// Ping checks the backing database
func (r *EventRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
