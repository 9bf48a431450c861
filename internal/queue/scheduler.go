package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/sarathsp06/orderhook/internal/jobs"
	"github.com/sarathsp06/orderhook/internal/retry"
)

// JobInserter is the part of the River client the scheduler needs.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverScheduler schedules processing attempts as River jobs so pending
// retries survive a restart.
//
// Each attempt is a single-attempt job: the engine decides whether another
// attempt happens and inserts a new job for it.
type RiverScheduler struct {
	inserter JobInserter
	queue    string
	stopped  atomic.Bool
}

// NewRiverScheduler creates a scheduler inserting on queue
func NewRiverScheduler(inserter JobInserter, queue string) *RiverScheduler {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RiverScheduler{inserter: inserter, queue: queue}
}

// Schedule inserts a job that becomes available at at
func (s *RiverScheduler) Schedule(ctx context.Context, id string, at time.Time) error {
	if s.stopped.Load() {
		return retry.ErrStopped
	}

	opts := &river.InsertOpts{
		Queue:       s.queue,
		MaxAttempts: 1,
	}
	if at.After(time.Now()) {
		opts.ScheduledAt = at
	}

	if _, err := s.inserter.Insert(ctx, jobs.ProcessEventArgs{EventID: id}, opts); err != nil {
		return fmt.Errorf("failed to insert process job for %s: %w", id, err)
	}
	return nil
}

// Stop rejects further schedules. Jobs already inserted stay in the queue.
func (s *RiverScheduler) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

// Persistent reports that scheduled jobs outlive the process
func (s *RiverScheduler) Persistent() bool { return true }

var (
	_ retry.Scheduler  = (*RiverScheduler)(nil)
	_ retry.Persistent = (*RiverScheduler)(nil)
)
