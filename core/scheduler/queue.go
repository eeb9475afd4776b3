package scheduler

import (
	"context"
	"sync"
	"time"

	"flaccy/core/models"
)

// Queue hands enqueued jobs to worker loops. Implementations deliver at least once.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, timeout time.Duration) error
	// Dequeue blocks until a job is available or ctx is done
	Dequeue(ctx context.Context) (*models.Delivery, error)
	Ack(ctx context.Context, d *models.Delivery) error
	Ping(ctx context.Context) error
}

// MemoryQueue is an in-process FIFO queue for a single process running embedded workers.
// Jobs are lost when the process exits; queued-job recovery re-enqueues them on start.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []*models.Delivery
	pending  map[string]bool // queued or in flight
	attempts map[string]int
	signal   chan struct{}
}

// NewMemoryQueue creates a new memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[string]bool),
		attempts: make(map[string]int),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue. A job already queued or in flight is not added twice.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[jobID] {
		return nil
	}
	q.pending[jobID] = true
	q.items = append(q.items, &models.Delivery{JobID: jobID, Timeout: timeout})
	q.notify()
	return nil
}

// Dequeue removes and returns the oldest job
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.Delivery, error) {
	for {
		if d := q.pop(); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) pop() *models.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.attempts[d.JobID]++
	d.Attempt = q.attempts[d.JobID]

	// Wake another waiter if more work remains
	if len(q.items) > 0 {
		q.notify()
	}
	return d
}

// Ack marks a delivery as finished
func (q *MemoryQueue) Ack(_ context.Context, d *models.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, d.JobID)
	delete(q.attempts, d.JobID)
	return nil
}

// Len returns the number of jobs waiting for a worker
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Ping always succeeds
func (q *MemoryQueue) Ping(context.Context) error {
	return nil
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
