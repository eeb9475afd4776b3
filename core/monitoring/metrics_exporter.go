package monitoring

import (
	"context"
	"fmt"
	"strings"

	"flaccy/core/models"
)

// QueueLen reports the number of jobs waiting in the queue
type QueueLen interface {
	Len(ctx context.Context) (int, error)
}

// MetricsExporter exports job metrics in Prometheus text format
type MetricsExporter struct {
	jobs  JobStore
	queue QueueLen
}

// NewMetricsExporter creates a new metrics exporter. queue may be nil.
func NewMetricsExporter(jobs JobStore, queue QueueLen) *MetricsExporter {
	return &MetricsExporter{jobs: jobs, queue: queue}
}

// GetPrometheusMetrics returns metrics in Prometheus format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	var b strings.Builder

	// Recent jobs by status
	b.WriteString("# HELP flaccy_jobs Recent jobs by status\n")
	b.WriteString("# TYPE flaccy_jobs gauge\n")
	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusSucceeded,
		models.JobStatusFailed,
	} {
		status := status
		jobs, err := me.jobs.ListJobs(ctx, models.JobFilter{Status: &status, Limit: 500})
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "flaccy_jobs{status=%q} %d\n", status, len(jobs))
	}

	// Running job progress
	status := models.JobStatusRunning
	running, err := me.jobs.ListJobs(ctx, models.JobFilter{Status: &status, Limit: 500})
	if err != nil {
		return "", err
	}
	b.WriteString("# HELP flaccy_job_progress Progress of running jobs in percent\n")
	b.WriteString("# TYPE flaccy_job_progress gauge\n")
	for _, job := range running {
		fmt.Fprintf(&b, "flaccy_job_progress{job_id=%q,step=%q} %d\n", job.ID, job.Step, job.Progress)
	}

	if me.queue != nil {
		depth, err := me.queue.Len(ctx)
		if err != nil {
			return "", err
		}
		b.WriteString("# HELP flaccy_queue_depth Jobs waiting for a worker\n")
		b.WriteString("# TYPE flaccy_queue_depth gauge\n")
		fmt.Fprintf(&b, "flaccy_queue_depth %d\n", depth)
	}

	return b.String(), nil
}
