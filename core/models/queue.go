package models

import "time"

// Delivery is one dequeued unit of work. Attempt counts deliveries of the same job,
// so a value above 1 means an earlier worker lost the job.
type Delivery struct {
	JobID   string
	Timeout time.Duration
	Attempt int
}
