package events

import (
	"context"

	"flaccy/core/models"
)

// DefaultMaxPerJob is the per-job retention cap when none is configured
const DefaultMaxPerJob = 1000

// Log is an append-only, per-job, capped event log.
// Ids start at 0 for each job, grow by exactly one per append and survive trimming.
type Log interface {
	Append(ctx context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) (models.Event, error)
	Read(ctx context.Context, jobID string, afterID int64) ([]models.Event, error)
	Clear(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}
