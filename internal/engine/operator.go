package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sarathsp06/orderhook/internal/retry"
	"github.com/sarathsp06/orderhook/internal/webhooks"
)

// PlatformStats summarizes one aggregator's events. SuccessRate is Completed
// as a percentage of Count.
type PlatformStats struct {
	Count       int     `json:"count"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats is the fleet-wide snapshot returned by GetWebhookStats.
type Stats struct {
	Total             int                          `json:"total"`
	ByStatus          map[webhooks.EventStatus]int `json:"by_status"`
	ByPlatform        map[string]PlatformStats     `json:"by_platform"`
	AverageRetryCount float64                      `json:"average_retry_count"`
}

// QueueStatus describes work waiting for or undergoing an attempt.
type QueueStatus struct {
	QueueLength      int `json:"queue_length"`
	Processing       int `json:"processing"`
	PendingReceived  int `json:"pending_received"`
	ScheduledRetries int `json:"scheduled_retries"`
}

// GetWebhookStatus returns the event with the given id.
func (s *Service) GetWebhookStatus(ctx context.Context, id string) (*webhooks.WebhookEvent, error) {
	return s.repo.Get(ctx, id)
}

// GetLocationWebhooks lists a location's events, newest first. An empty
// status matches every status.
func (s *Service) GetLocationWebhooks(ctx context.Context, locationID string, status webhooks.EventStatus) ([]*webhooks.WebhookEvent, error) {
	if locationID == "" {
		return nil, fmt.Errorf("location id is required: %w", ErrInvalidArgument)
	}
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, webhooks.Filter{LocationID: locationID, Status: status})
}

// GetPlatformWebhooks lists a platform's events, newest first.
func (s *Service) GetPlatformWebhooks(ctx context.Context, platform string, status webhooks.EventStatus) ([]*webhooks.WebhookEvent, error) {
	if platform == "" {
		return nil, fmt.Errorf("platform is required: %w", ErrInvalidArgument)
	}
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, webhooks.Filter{Platform: platform, Status: status})
}

func checkStatus(status webhooks.EventStatus) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, ErrInvalidArgument)
	}
	return nil
}

// GetWebhookStats aggregates every stored event.
func (s *Service) GetWebhookStats(ctx context.Context) (*Stats, error) {
	events, err := s.repo.List(ctx, webhooks.Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:      len(events),
		ByStatus:   make(map[webhooks.EventStatus]int),
		ByPlatform: make(map[string]PlatformStats),
	}
	retries := 0
	for _, e := range events {
		stats.ByStatus[e.Status]++
		p := stats.ByPlatform[e.Platform]
		p.Count++
		switch e.Status {
		case webhooks.StatusCompleted:
			p.Completed++
		case webhooks.StatusFailed:
			p.Failed++
		}
		stats.ByPlatform[e.Platform] = p
		retries += e.RetryCount
	}
	for name, p := range stats.ByPlatform {
		p.SuccessRate = float64(p.Completed) / float64(p.Count) * 100
		stats.ByPlatform[name] = p
	}
	if stats.Total > 0 {
		stats.AverageRetryCount = float64(retries) / float64(stats.Total)
	}
	return stats, nil
}

// GetQueueStatus reports queued ids, held guards and pending retries.
func (s *Service) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	now := s.opts.Now()
	s.mu.Lock()
	queued := make(map[string]time.Time, len(s.queued))
	for id, at := range s.queued {
		queued[id] = at
	}
	s.mu.Unlock()

	status := &QueueStatus{
		QueueLength: len(queued),
		Processing:  s.guard.Len(),
	}
	if len(queued) == 0 {
		return status, nil
	}

	received, err := s.repo.List(ctx, webhooks.Filter{Status: webhooks.StatusReceived})
	if err != nil {
		return nil, err
	}
	for _, e := range received {
		at, ok := queued[e.ID]
		if !ok {
			continue
		}
		status.PendingReceived++
		if at.After(now) {
			status.ScheduledRetries++
		}
	}
	return status, nil
}

// RetryFailedWebhooks replays every failed event, optionally only those at
// locationID, with a fresh retry budget. It returns how many were replayed.
func (s *Service) RetryFailedWebhooks(ctx context.Context, locationID string) (int, error) {
	failed, err := s.repo.List(ctx, webhooks.Filter{LocationID: locationID, Status: webhooks.StatusFailed})
	if err != nil {
		return 0, err
	}

	now := s.opts.Now()
	replayed := 0
	for _, e := range failed {
		_, err := s.repo.Transition(ctx, e.ID, webhooks.StatusFailed, func(ev *webhooks.WebhookEvent) error {
			ev.Status = webhooks.StatusReceived
			ev.RetryCount = 0
			ev.ProcessedAt = nil
			return nil
		})
		if err != nil {
			if errors.Is(err, webhooks.ErrStaleTransition) || errors.Is(err, webhooks.ErrNotFound) {
				continue
			}
			return replayed, fmt.Errorf("failed to replay %s: %w", e.ID, err)
		}
		replayed++
		if s.metrics != nil {
			s.metrics.EventsReplayed.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", e.Platform)))
		}
		if err := s.enqueue(ctx, e.ID, now); err != nil {
			s.log.Error("Failed to enqueue replayed event", "event_id", e.ID, "error", err)
		}
	}

	s.log.Info("Replayed failed webhook events", "location_id", locationID, "count", replayed)
	return replayed, nil
}

// CleanupOldWebhooks deletes completed events received more than ageHours
// ago. Events in any other status are kept.
func (s *Service) CleanupOldWebhooks(ctx context.Context, ageHours int) (int, error) {
	if ageHours < 0 {
		return 0, fmt.Errorf("age hours must not be negative: %w", ErrInvalidArgument)
	}
	cutoff := s.opts.Now().Add(-time.Duration(ageHours) * time.Hour)

	old, err := s.repo.List(ctx, webhooks.Filter{Status: webhooks.StatusCompleted, ReceivedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(old))
	for _, e := range old {
		ids = append(ids, e.ID)
	}
	deleted, err := s.repo.Delete(ctx, ids...)
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.EventsCleaned.Add(ctx, int64(deleted))
	}
	s.log.Info("Cleaned up completed webhook events", "age_hours", ageHours, "deleted", deleted)
	return deleted, nil
}

// Recover re-enqueues work left behind by a previous process: processing
// events return to received without spending a retry and are enqueued.
// Received events are enqueued too unless the scheduler is persistent, in
// which case their pending entries already exist. Call it before accepting
// new deliveries.
func (s *Service) Recover(ctx context.Context) (int, error) {
	stuck, err := s.repo.List(ctx, webhooks.Filter{Status: webhooks.StatusProcessing})
	if err != nil {
		return 0, err
	}
	var reset []string
	for _, e := range stuck {
		if s.guard.Held(e.ID) {
			continue
		}
		_, err := s.repo.Transition(ctx, e.ID, webhooks.StatusProcessing, func(ev *webhooks.WebhookEvent) error {
			ev.Status = webhooks.StatusReceived
			return nil
		})
		if err != nil {
			if errors.Is(err, webhooks.ErrStaleTransition) || errors.Is(err, webhooks.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("failed to reset %s: %w", e.ID, err)
		}
		reset = append(reset, e.ID)
	}

	ids := reset
	if p, ok := s.scheduler.(retry.Persistent); !ok || !p.Persistent() {
		pending, err := s.repo.List(ctx, webhooks.Filter{Status: webhooks.StatusReceived})
		if err != nil {
			return 0, err
		}
		ids = make([]string, 0, len(pending))
		for _, e := range pending {
			ids = append(ids, e.ID)
		}
	}

	now := s.opts.Now()
	enqueued := 0
	for _, id := range ids {
		if err := s.enqueue(ctx, id, now); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue %s: %w", id, err)
		}
		enqueued++
	}

	s.log.Info("Recovered webhook events", "reset", len(reset), "enqueued", enqueued)
	return enqueued, nil
}
