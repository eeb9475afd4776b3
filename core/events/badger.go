package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flaccy/core/models"

	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 10

// BadgerLog stores event logs in an embedded Badger database.
// Key layout: seq:{job} holds the next id, ev:{job}:{id as 20 digits} holds one event.
type BadgerLog struct {
	mu        sync.Mutex // Badger is single-process, so appends serialize here
	db        *badger.DB
	maxPerJob int64
	now       func() time.Time
}

type storedEvent struct {
	Type      models.EventType       `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

// OpenBadger opens (creating if needed) a Badger database at path.
// An empty path opens an in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerLog creates a new Badger-backed event log
func NewBadgerLog(db *badger.DB, maxPerJob int) (*BadgerLog, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if maxPerJob <= 0 {
		maxPerJob = DefaultMaxPerJob
	}
	return &BadgerLog{
		db:        db,
		maxPerJob: int64(maxPerJob),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func seqKey(jobID string) []byte {
	return []byte("seq:" + jobID)
}

func eventPrefix(jobID string) []byte {
	return []byte("ev:" + jobID + ":")
}

func eventKey(jobID string, id int64) []byte {
	return []byte(fmt.Sprintf("ev:%s:%020d", jobID, id))
}

// Append assigns the next id inside a transaction; conflicting appenders retry
func (l *BadgerLog) Append(ctx context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) (models.Event, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	ev := models.Event{JobID: jobID, Type: eventType, Fields: fields}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.Event{}, err
		}

		ev.Timestamp = l.now()
		err := l.db.Update(func(txn *badger.Txn) error {
			var next int64
			item, err := txn.Get(seqKey(jobID))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				next = 0
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					next = int64(binary.BigEndian.Uint64(val))
					return nil
				}); err != nil {
					return err
				}
			}
			ev.ID = next

			data, err := json.Marshal(storedEvent{Type: eventType, Timestamp: ev.Timestamp, Fields: fields})
			if err != nil {
				return err
			}
			if err := txn.Set(eventKey(jobID, next), data); err != nil {
				return err
			}

			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(next+1))
			if err := txn.Set(seqKey(jobID), buf); err != nil {
				return err
			}

			if trimmed := next - l.maxPerJob; trimmed >= 0 {
				return txn.Delete(eventKey(jobID, trimmed))
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Event{}, fmt.Errorf("append event: %w", err)
		}
		return ev, nil
	}

	return models.Event{}, fmt.Errorf("append event: %w", badger.ErrConflict)
}

// Read returns retained events with id greater than afterID
func (l *BadgerLog) Read(_ context.Context, jobID string, afterID int64) ([]models.Event, error) {
	var out []models.Event

	err := l.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(jobID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		start := prefix
		if afterID >= 0 {
			start = eventKey(jobID, afterID+1)
		}

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var id int64
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%d", &id); err != nil {
				continue
			}

			var stored storedEvent
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}

			out = append(out, models.Event{
				ID:        id,
				JobID:     jobID,
				Type:      stored.Type,
				Timestamp: stored.Timestamp,
				Fields:    stored.Fields,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// Clear drops a job's events and counter
func (l *BadgerLog) Clear(_ context.Context, jobID string) error {
	if err := l.db.DropPrefix(eventPrefix(jobID)); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(seqKey(jobID))
	})
}

// Ping reports whether the database is open
func (l *BadgerLog) Ping(context.Context) error {
	if l.db.IsClosed() {
		return errors.New("badger db is closed")
	}
	return nil
}
