package models

import (
	"encoding/json"
	"time"
)

// EventType names the kind of progress event appended to a job's log
type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeProgress   EventType = "progress"
	EventTypeFile       EventType = "file"
	EventTypeCheckpoint EventType = "checkpoint"
	EventTypeError      EventType = "error"
	EventTypeResult     EventType = "result"
	EventTypeHeartbeat  EventType = "heartbeat"
	EventTypeZipFailed  EventType = "zip_failed"
)

// Event is one entry in a job's append-only event log.
// Fields are flattened next to id, type and timestamp when encoded.
type Event struct {
	ID        int64
	JobID     string
	Type      EventType
	Timestamp time.Time
	Fields    map[string]interface{}
}

// MarshalJSON flattens Fields into the top-level object
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["id"] = e.ID
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON splits the reserved keys from the free-form fields
func (e *Event) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if id, ok := raw["id"].(float64); ok {
		e.ID = int64(id)
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := raw["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return err
		}
		e.Timestamp = parsed
	}
	delete(raw, "id")
	delete(raw, "type")
	delete(raw, "timestamp")

	e.Fields = raw
	return nil
}

// Checkpoint names emitted with checkpoint events
const (
	CheckpointDownloadComplete = "download_complete"
	CheckpointZipComplete      = "zip_complete"
)

// JobArtifact links a stored artifact key to the job whose manifest contains it
type JobArtifact struct {
	ID        int64
	JobID     string
	Name      string
	Key       string
	CreatedAt time.Time
}
