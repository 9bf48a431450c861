// Package engine drives inbound aggregator webhooks from ingestion to a
// terminal state with bounded, exponentially backed-off retries.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/orderhook/internal/logger"
	"github.com/sarathsp06/orderhook/internal/observability"
	"github.com/sarathsp06/orderhook/internal/retry"
	"github.com/sarathsp06/orderhook/internal/signature"
	"github.com/sarathsp06/orderhook/internal/webhooks"
)

var (
	// ErrUnauthorized is returned when a delivery fails signature verification.
	ErrUnauthorized = errors.New("webhook signature verification failed")
	// ErrInvalidEvent is returned for ingestion input that cannot become an event.
	ErrInvalidEvent = errors.New("invalid webhook event")
	// ErrInvalidArgument is returned for malformed operator requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPermanent marks a handler failure that must not be retried.
	ErrPermanent = errors.New("permanent order update failure")
	// ErrStopped is returned once the service has been stopped.
	ErrStopped = errors.New("webhook engine stopped")
)

// Handler applies a verified event to the order domain. It may be invoked
// more than once for the same event and must be idempotent.
type Handler interface {
	ApplyOrderUpdate(ctx context.Context, event *webhooks.WebhookEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *webhooks.WebhookEvent) error

// ApplyOrderUpdate calls f.
func (f HandlerFunc) ApplyOrderUpdate(ctx context.Context, event *webhooks.WebhookEvent) error {
	return f(ctx, event)
}

// Options tunes the service. Zero values take the defaults below.
type Options struct {
	MaxRetries        int
	Policy            retry.Policy
	ProcessingTimeout time.Duration
	LeaseGrace        time.Duration
	Workers           int
	QueueSize         int
	// Scheduler delivers due ids back to Process. When nil an in-process
	// TimerQueue feeding the worker pool is used.
	Scheduler retry.Scheduler
	Metrics   *observability.OrderHookMetrics
	Logger    *slog.Logger
	Now       func() time.Time
}

const (
	defaultProcessingTimeout = 30 * time.Second
	defaultLeaseGrace        = 5 * time.Second
	defaultWorkers           = 10
	defaultQueueSize         = 1024
)

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = webhooks.DefaultMaxRetries
	}
	if o.Policy.Base <= 0 {
		o.Policy = retry.NewPolicy(retry.DefaultBase, o.Policy.MaxDelay)
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = defaultProcessingTimeout
	}
	if o.LeaseGrace <= 0 {
		o.LeaseGrace = defaultLeaseGrace
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = logger.NewLogger("webhook-engine")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is the webhook ingestion and delivery engine.
type Service struct {
	repo      webhooks.Repository
	verifier  *signature.Verifier
	handler   Handler
	scheduler retry.Scheduler
	guard     *Guard
	pool      pond.Pool
	opts      Options
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.OrderHookMetrics

	baseCtx context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu     sync.Mutex
	queued map[string]time.Time
}

// NewService wires the engine around a repository, verifier and handler
func NewService(repo webhooks.Repository, verifier *signature.Verifier, handler Handler, opts Options) *Service {
	opts.applyDefaults()

	metrics := opts.Metrics
	if metrics == nil {
		var err error
		metrics, err = observability.NewOrderHookMetrics()
		if err != nil {
			opts.Logger.Error("Failed to initialize metrics", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:     repo,
		verifier: verifier,
		handler:  handler,
		guard:    NewGuard(opts.ProcessingTimeout + opts.LeaseGrace),
		pool:     pond.NewPool(opts.Workers, pond.WithQueueSize(opts.QueueSize), pond.WithContext(ctx)),
		opts:     opts,
		log:      opts.Logger,
		tracer:   observability.GetTracer("orderhook.engine"),
		metrics:  metrics,
		baseCtx:  ctx,
		cancel:   cancel,
		queued:   make(map[string]time.Time),
	}
	s.guard.now = opts.Now
	s.scheduler = opts.Scheduler
	if s.scheduler == nil {
		s.scheduler = retry.NewTimerQueue(s.dispatch)
	}
	return s
}

// Verify checks a raw delivery against the platform's signing config.
func (s *Service) Verify(ctx context.Context, platform string, payload []byte, sig string) error {
	if s.verifier.Verify(platform, payload, sig) {
		return nil
	}
	if s.metrics != nil {
		s.metrics.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
	}
	s.log.Warn("Rejected webhook with invalid signature", "platform", platform)
	return fmt.Errorf("platform %q: %w", platform, ErrUnauthorized)
}

// Ingest stores a verified event as received and enqueues it. It returns as
// soon as the record is stored and never waits for processing.
func (s *Service) Ingest(ctx context.Context, platform, eventType, orderID, locationID string, payload []byte) (*webhooks.WebhookEvent, error) {
	ctx, span := s.tracer.Start(ctx, "webhook.ingest",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("event_type", eventType),
			attribute.String("order_id", orderID),
		),
	)
	defer span.End()

	if s.stopped.Load() {
		return nil, ErrStopped
	}

	platform = strings.ToLower(strings.TrimSpace(platform))
	switch {
	case platform == "":
		return nil, s.spanError(span, fmt.Errorf("platform is required: %w", ErrInvalidEvent))
	case strings.TrimSpace(eventType) == "":
		return nil, s.spanError(span, fmt.Errorf("event type is required: %w", ErrInvalidEvent))
	case strings.TrimSpace(orderID) == "":
		return nil, s.spanError(span, fmt.Errorf("order id is required: %w", ErrInvalidEvent))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, s.spanError(span, fmt.Errorf("payload is not valid JSON: %w", ErrInvalidEvent))
	}

	now := s.opts.Now().UTC()
	event := &webhooks.WebhookEvent{
		ID:         fmt.Sprintf("%s_%s_%s", platform, orderID, ulid.Make()),
		Platform:   platform,
		EventType:  eventType,
		OrderID:    orderID,
		LocationID: locationID,
		Payload:    append(json.RawMessage(nil), payload...),
		Status:     webhooks.StatusReceived,
		MaxRetries: s.opts.MaxRetries,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, event); err != nil {
		return nil, s.spanError(span, fmt.Errorf("failed to store webhook event: %w", err))
	}
	span.SetAttributes(attribute.String("event_id", event.ID))

	if s.metrics != nil {
		s.metrics.EventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
	}
	s.log.Info("Webhook event received",
		"event_id", event.ID,
		"platform", platform,
		"event_type", eventType,
		"order_id", orderID,
		"location_id", locationID,
	)

	// A stored event that failed to enqueue stays received and is picked up
	// again by Recover.
	if err := s.enqueue(ctx, event.ID, now); err != nil {
		s.log.Error("Failed to enqueue webhook event", "event_id", event.ID, "error", err)
	}
	return event, nil
}

// Process runs one attempt for id. It is a no-op when another task holds the
// id or the event is no longer received.
func (s *Service) Process(ctx context.Context, id string) error {
	s.dequeue(ctx, id)

	token, ok := s.guard.Acquire(id)
	if !ok {
		s.log.Debug("Webhook event already being processed", "event_id", id)
		return nil
	}
	defer s.guard.Release(id, token)

	ctx, span := s.tracer.Start(ctx, "webhook.process", trace.WithAttributes(attribute.String("event_id", id)))
	defer span.End()

	event, err := s.repo.Transition(ctx, id, webhooks.StatusReceived, func(e *webhooks.WebhookEvent) error {
		e.Status = webhooks.StatusProcessing
		return nil
	})
	if err != nil {
		if errors.Is(err, webhooks.ErrStaleTransition) || errors.Is(err, webhooks.ErrNotFound) {
			s.log.Debug("Skipping webhook event", "event_id", id, "reason", err)
			return nil
		}
		return s.spanError(span, fmt.Errorf("failed to mark event processing: %w", err))
	}
	span.SetAttributes(
		attribute.String("platform", event.Platform),
		attribute.Int("retry_count", event.RetryCount),
	)

	start := time.Now()
	attemptErr := s.invoke(ctx, event)
	elapsed := time.Since(start)

	settled, err := s.settle(ctx, event, attemptErr)
	if err != nil {
		return s.spanError(span, fmt.Errorf("failed to record attempt outcome: %w", err))
	}

	outcome := string(settled.Status)
	if settled.Status == webhooks.StatusReceived {
		outcome = "retry"
	}
	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("platform", settled.Platform),
			attribute.String("outcome", outcome),
		)
		s.metrics.ProcessingAttempts.Add(ctx, 1, attrs)
		s.metrics.ProcessingDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	switch settled.Status {
	case webhooks.StatusCompleted:
		s.log.Info("Webhook event completed",
			"event_id", id,
			"platform", settled.Platform,
			"retry_count", settled.RetryCount,
			"duration_ms", elapsed.Milliseconds(),
		)
	case webhooks.StatusFailed:
		span.SetStatus(otelcodes.Error, settled.LastError)
		s.log.Error("Webhook event failed",
			"event_id", id,
			"platform", settled.Platform,
			"retry_count", settled.RetryCount,
			"error", settled.LastError,
		)
	case webhooks.StatusReceived:
		at := s.opts.Now().Add(s.opts.Policy.Delay(settled.RetryCount))
		s.log.Warn("Webhook event attempt failed, retrying",
			"event_id", id,
			"retry_count", settled.RetryCount,
			"max_retries", settled.MaxRetries,
			"retry_at", at,
			"error", settled.LastError,
		)
		if s.metrics != nil {
			s.metrics.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", settled.Platform)))
		}
		if err := s.enqueue(ctx, id, at); err != nil {
			s.log.Error("Failed to schedule retry", "event_id", id, "error", err)
		}
	}
	return nil
}

// invoke runs the handler under the processing deadline. A handler that
// ignores its context is abandoned once the deadline passes.
func (s *Service) invoke(ctx context.Context, event *webhooks.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProcessingTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("order update panicked: %v", r)
			}
		}()
		done <- s.handler.ApplyOrderUpdate(ctx, event.Clone())
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("order update did not finish: %w", ctx.Err())
	}
}

// settle moves a processing event to its post-attempt status.
func (s *Service) settle(ctx context.Context, event *webhooks.WebhookEvent, attemptErr error) (*webhooks.WebhookEvent, error) {
	now := s.opts.Now().UTC()
	permanent := errors.Is(attemptErr, ErrPermanent) || retry.IsPermanent(attemptErr)

	return s.repo.Transition(ctx, event.ID, webhooks.StatusProcessing, func(e *webhooks.WebhookEvent) error {
		if attemptErr == nil {
			e.Status = webhooks.StatusCompleted
			e.ProcessedAt = &now
			return nil
		}
		e.LastError = attemptErr.Error()
		if permanent || e.RetryCount >= e.MaxRetries {
			e.Status = webhooks.StatusFailed
			e.RetryCount = e.MaxRetries
			e.ProcessedAt = &now
			return nil
		}
		e.RetryCount++
		e.Status = webhooks.StatusReceived
		return nil
	})
}

// dispatch hands a due id from the in-process scheduler to the worker pool.
func (s *Service) dispatch(id string) {
	err := s.pool.Go(func() {
		if err := s.Process(s.baseCtx, id); err != nil {
			s.log.Error("Webhook processing error", "event_id", id, "error", err)
		}
	})
	if err != nil {
		s.dequeue(s.baseCtx, id)
		s.log.Error("Failed to submit webhook event to worker pool", "event_id", id, "error", err)
	}
}

func (s *Service) enqueue(ctx context.Context, id string, at time.Time) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	_, exists := s.queued[id]
	s.queued[id] = at
	s.mu.Unlock()
	if !exists && s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}

	if err := s.scheduler.Schedule(ctx, id, at); err != nil {
		s.dequeue(ctx, id)
		return err
	}
	return nil
}

func (s *Service) dequeue(ctx context.Context, id string) {
	s.mu.Lock()
	_, exists := s.queued[id]
	delete(s.queued, id)
	s.mu.Unlock()
	if exists && s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, -1)
	}
}

// Stop rejects new work, stops the scheduler and drains running tasks.
func (s *Service) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	defer s.cancel()

	var errs []error
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		s.pool.StopAndWait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("worker pool did not drain: %w", ctx.Err()))
	}

	s.log.Info("Webhook engine stopped")
	return errors.Join(errs...)
}

func (s *Service) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
