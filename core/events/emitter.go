package events

import (
	"context"
	"time"

	"flaccy/core/models"

	"go.uber.org/zap"
)

// Emitter appends events on behalf of the job executor. Emission is best effort:
// failures are retried briefly and then logged, never returned.
type Emitter struct {
	log     Log
	logger  *zap.Logger
	retries int
	backoff time.Duration
}

// NewEmitter creates a new emitter
func NewEmitter(log Log, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		log:     log,
		logger:  logger,
		retries: 3,
		backoff: 50 * time.Millisecond,
	}
}

// Emit appends one event for the job
func (e *Emitter) Emit(ctx context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) {
	var err error
	for attempt := 0; attempt < e.retries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, e.backoff*time.Duration(attempt)) {
			break
		}
		if _, err = e.log.Append(ctx, jobID, eventType, fields); err == nil {
			return
		}
	}

	e.logger.Warn("Failed to emit event",
		zap.String("job_id", jobID),
		zap.String("type", string(eventType)),
		zap.Error(err))
}

// Status emits a status event
func (e *Emitter) Status(ctx context.Context, jobID string, status models.JobStatus, extra map[string]interface{}) {
	fields := map[string]interface{}{"status": status}
	for k, v := range extra {
		fields[k] = v
	}
	e.Emit(ctx, jobID, models.EventTypeStatus, fields)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
