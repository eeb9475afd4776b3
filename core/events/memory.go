package events

import (
	"context"
	"sync"
	"time"

	"flaccy/core/models"
)

type jobLog struct {
	nextID int64
	events []models.Event
}

// MemoryLog keeps event logs in process memory
type MemoryLog struct {
	mu        sync.RWMutex
	logs      map[string]*jobLog
	maxPerJob int
	now       func() time.Time
}

// NewMemoryLog creates a new in-memory event log
func NewMemoryLog(maxPerJob int) *MemoryLog {
	if maxPerJob <= 0 {
		maxPerJob = DefaultMaxPerJob
	}
	return &MemoryLog{
		logs:      make(map[string]*jobLog),
		maxPerJob: maxPerJob,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append adds an event and trims the oldest events beyond the cap
func (l *MemoryLog) Append(_ context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) (models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	jl, ok := l.logs[jobID]
	if !ok {
		jl = &jobLog{}
		l.logs[jobID] = jl
	}

	ev := models.Event{
		ID:        jl.nextID,
		JobID:     jobID,
		Type:      eventType,
		Timestamp: l.now(),
		Fields:    copyFields(fields),
	}
	jl.nextID++
	jl.events = append(jl.events, ev)

	if over := len(jl.events) - l.maxPerJob; over > 0 {
		jl.events = append([]models.Event(nil), jl.events[over:]...)
	}

	return ev, nil
}

// Read returns events with id greater than afterID
func (l *MemoryLog) Read(_ context.Context, jobID string, afterID int64) ([]models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	jl, ok := l.logs[jobID]
	if !ok {
		return nil, nil
	}

	var out []models.Event
	for _, ev := range jl.events {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Clear drops a job's log
func (l *MemoryLog) Clear(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, jobID)
	return nil
}

// Ping always succeeds
func (l *MemoryLog) Ping(context.Context) error {
	return nil
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
