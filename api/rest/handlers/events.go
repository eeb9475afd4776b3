package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"flaccy/core/events"
	"flaccy/core/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// JobGetter looks up a job
type JobGetter interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// StreamOptions tunes event feeds
type StreamOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// EventHandler streams a job's event log over SSE or WebSocket
type EventHandler struct {
	jobs   JobGetter
	events events.Log
	opts   StreamOptions
	logger *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(jobs JobGetter, eventLog events.Log, opts StreamOptions, logger *zap.Logger) *EventHandler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{jobs: jobs, events: eventLog, opts: opts, logger: logger}
}

// cursor reads the last seen event id from the query or the Last-Event-ID header
func cursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("last_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return -1, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func heartbeat() models.Event {
	return models.Event{Type: models.EventTypeHeartbeat, Timestamp: time.Now()}
}

// follow polls the log and hands each new event to send until ctx ends or send fails.
// Heartbeats are synthetic and never logged.
func (h *EventHandler) follow(ctx context.Context, jobID string, after int64, send func(models.Event, bool) error) error {
	poll := time.NewTicker(h.opts.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(h.opts.HeartbeatInterval)
	defer beat.Stop()

	for {
		evs, err := h.events.Read(ctx, jobID, after)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Warn("Failed to read events", zap.String("job_id", jobID), zap.Error(err))
		}
		for _, ev := range evs {
			if ev.ID <= after {
				continue
			}
			if err := send(ev, true); err != nil {
				return err
			}
			after = ev.ID
		}

		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			if err := send(heartbeat(), false); err != nil {
				return err
			}
		case <-poll.C:
		}
	}
}

func (h *EventHandler) lookup(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	jobID := mux.Vars(r)["id"]
	after, err := cursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid last_id")
		return "", 0, false
	}
	if _, err := h.jobs.GetJob(r.Context(), jobID); err != nil {
		writeError(w, statusFor(err), "job not found")
		return "", 0, false
	}
	return jobID, after, true
}

// StreamEvents handles GET /jobs/{id}/events as a server-sent event stream
func (h *EventHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID, after, ok := h.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.follow(r.Context(), jobID, after, func(ev models.Event, logged bool) error {
		var err error
		if logged {
			var data []byte
			if data, err = json.Marshal(ev); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "id:%d\ndata:%s\n\n", ev.ID, data)
		} else {
			_, err = fmt.Fprintf(w, "data:%s\n\n", heartbeatJSON(ev))
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		h.logger.Debug("Event stream closed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// StreamEventsWS handles GET /jobs/{id}/ws, the same feed over a WebSocket
func (h *EventHandler) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	jobID, after, ok := h.lookup(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read from the client only to notice when it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocket error", zap.String("job_id", jobID), zap.Error(err))
				}
				return
			}
		}
	}()

	err = h.follow(ctx, jobID, after, func(ev models.Event, logged bool) error {
		data := heartbeatJSON(ev)
		if logged {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				return err
			}
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	if err != nil {
		h.logger.Debug("WebSocket feed closed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// heartbeatJSON encodes a heartbeat without the id a logged event carries
func heartbeatJSON(ev models.Event) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"type":      ev.Type,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return data
}
