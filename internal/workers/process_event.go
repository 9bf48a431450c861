package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/sarathsp06/orderhook/internal/jobs"
	"github.com/sarathsp06/orderhook/internal/logger"
)

// Processor runs one processing attempt for a stored event.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// ProcessEventWorker hands River jobs to the webhook engine. Retries are
// owned by the engine, so a job never asks River to retry it.
type ProcessEventWorker struct {
	river.WorkerDefaults[jobs.ProcessEventArgs]
	processor Processor
	timeout   time.Duration
}

// NewProcessEventWorker creates a worker. timeout bounds a whole job and
// should exceed the engine's processing timeout.
func NewProcessEventWorker(processor Processor, timeout time.Duration) *ProcessEventWorker {
	return &ProcessEventWorker{processor: processor, timeout: timeout}
}

// Timeout overrides River's default job timeout
func (w *ProcessEventWorker) Timeout(*river.Job[jobs.ProcessEventArgs]) time.Duration {
	return w.timeout
}

// Work runs the processing attempt for the job's event
func (w *ProcessEventWorker) Work(ctx context.Context, job *river.Job[jobs.ProcessEventArgs]) error {
	log := logger.NewLogger("process-event-worker")

	log.Debug("Processing webhook event job",
		"job_id", job.ID,
		"event_id", job.Args.EventID,
		"attempt", job.Attempt,
	)

	if err := w.processor.Process(ctx, job.Args.EventID); err != nil {
		log.Error("Webhook event job failed",
			"job_id", job.ID,
			"event_id", job.Args.EventID,
			"error", err,
		)
		return fmt.Errorf("process webhook event %s: %w", job.Args.EventID, err)
	}
	return nil
}
