package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"flaccy/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerLog(t *testing.T, maxPerJob int) *BadgerLog {
	t.Helper()
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewBadgerLog(db, maxPerJob)
	require.NoError(t, err)
	return l
}

func backends(t *testing.T, maxPerJob int) map[string]Log {
	return map[string]Log{
		"memory": NewMemoryLog(maxPerJob),
		"badger": newBadgerLog(t, maxPerJob),
	}
}

func ids(events []models.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestLogIDsStartAtZeroAndIncrement(t *testing.T) {
	for name, l := range backends(t, 100) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				ev, err := l.Append(ctx, "job-1", models.EventTypeProgress, map[string]interface{}{"progress": i * 10})
				require.NoError(t, err)
				assert.Equal(t, int64(i), ev.ID)
				assert.False(t, ev.Timestamp.IsZero())
			}

			events, err := l.Read(ctx, "job-1", -1)
			require.NoError(t, err)
			assert.Equal(t, []int64{0, 1, 2, 3, 4}, ids(events))
			assert.EqualValues(t, 40, events[4].Fields["progress"])
		})
	}
}

func TestLogReadAfterCursor(t *testing.T) {
	for name, l := range backends(t, 100) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 6; i++ {
				_, err := l.Append(ctx, "job-1", models.EventTypeStatus, nil)
				require.NoError(t, err)
			}

			events, err := l.Read(ctx, "job-1", 3)
			require.NoError(t, err)
			assert.Equal(t, []int64{4, 5}, ids(events))

			events, err = l.Read(ctx, "job-1", 5)
			require.NoError(t, err)
			assert.Empty(t, events)

			events, err = l.Read(ctx, "unknown", -1)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestLogTrimKeepsIDsStable(t *testing.T) {
	for name, l := range backends(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				ev, err := l.Append(ctx, "job-1", models.EventTypeProgress, nil)
				require.NoError(t, err)
				assert.Equal(t, int64(i), ev.ID)
			}

			events, err := l.Read(ctx, "job-1", -1)
			require.NoError(t, err)
			assert.Equal(t, []int64{7, 8, 9}, ids(events))

			// A cursor pointing into the trimmed range returns what is retained
			events, err = l.Read(ctx, "job-1", 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{7, 8, 9}, ids(events))
		})
	}
}

func TestLogJobsAreIndependent(t *testing.T) {
	for name, l := range backends(t, 100) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Append(ctx, "job-1", models.EventTypeStatus, nil)
			require.NoError(t, err)
			_, err = l.Append(ctx, "job-1", models.EventTypeStatus, nil)
			require.NoError(t, err)

			ev, err := l.Append(ctx, "job-10", models.EventTypeStatus, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(0), ev.ID)

			events, err := l.Read(ctx, "job-1", -1)
			require.NoError(t, err)
			assert.Len(t, events, 2)

			require.NoError(t, l.Clear(ctx, "job-1"))
			events, err = l.Read(ctx, "job-1", -1)
			require.NoError(t, err)
			assert.Empty(t, events)

			events, err = l.Read(ctx, "job-10", -1)
			require.NoError(t, err)
			assert.Len(t, events, 1)
			assert.NoError(t, l.Ping(ctx))
		})
	}
}

func TestLogConcurrentAppendsAreGapFree(t *testing.T) {
	for name, l := range backends(t, 1000) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 25; j++ {
						_, err := l.Append(ctx, "job-1", models.EventTypeProgress, nil)
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			events, err := l.Read(ctx, "job-1", -1)
			require.NoError(t, err)
			require.Len(t, events, 200)
			for i, ev := range events {
				assert.Equal(t, int64(i), ev.ID)
			}
		})
	}
}

type flakyLog struct {
	*MemoryLog
	failures int
	calls    int
}

func (f *flakyLog) Append(ctx context.Context, jobID string, eventType models.EventType, fields map[string]interface{}) (models.Event, error) {
	f.calls++
	if f.calls <= f.failures {
		return models.Event{}, errors.New("transient")
	}
	return f.MemoryLog.Append(ctx, jobID, eventType, fields)
}

func TestEmitterRetriesAndSwallowsErrors(t *testing.T) {
	ctx := context.Background()

	recovering := &flakyLog{MemoryLog: NewMemoryLog(10), failures: 2}
	em := NewEmitter(recovering, nil)
	em.backoff = 0
	em.Emit(ctx, "job-1", models.EventTypeStatus, map[string]interface{}{"status": "running"})

	events, err := recovering.Read(ctx, "job-1", -1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 3, recovering.calls)

	broken := &flakyLog{MemoryLog: NewMemoryLog(10), failures: 100}
	em = NewEmitter(broken, nil)
	em.backoff = 0
	assert.NotPanics(t, func() {
		em.Status(ctx, "job-1", models.JobStatusFailed, map[string]interface{}{"error": "boom"})
	})
	assert.Equal(t, 3, broken.calls)
}
