package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sarathsp06/orderhook/internal/logger"
)

// Cleaner deletes completed events older than ageHours
type Cleaner interface {
	CleanupOldWebhooks(ctx context.Context, ageHours int) (int, error)
}

// RetentionConfig holds configuration for the retention sweeper
type RetentionConfig struct {
	Interval time.Duration // Time between cleanup cycles
	AgeHours int           // Completed events older than this are deleted
}

// retentionSweeper implements the Sweeper interface for completed-event cleanup
type retentionSweeper struct {
	config    RetentionConfig
	cleaner   Cleaner
	log       *slog.Logger
	running   atomic.Bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// NewRetentionSweeper creates a sweeper that runs one cleanup immediately and
// then every config.Interval.
func NewRetentionSweeper(config RetentionConfig, cleaner Cleaner) Sweeper {
	return &retentionSweeper{
		config:    config,
		cleaner:   cleaner,
		log:       logger.NewLogger("retention-sweeper"),
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *retentionSweeper) Name() string {
	return "retention-sweeper"
}

// Start runs cleanup cycles until the context is canceled or Stop is called
func (s *retentionSweeper) Start(ctx context.Context) error {
	if s.config.Interval <= 0 {
		return fmt.Errorf("retention interval must be positive, got %s", s.config.Interval)
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	s.log.Info("Starting retention sweeper",
		"interval", s.config.Interval,
		"age_hours", s.config.AgeHours,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Retention sweeper stopping due to context cancellation", "error", ctx.Err())
			return nil
		case <-s.stopChan:
			s.log.Info("Retention sweeper stop requested")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop signals the loop and waits for it to exit
func (s *retentionSweeper) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	close(s.stopChan)

	select {
	case <-s.stoppedCh:
		s.log.Info("Retention sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		s.log.Warn("Retention sweeper stop interrupted by context timeout")
		return ctx.Err()
	}
}

func (s *retentionSweeper) runCycle(ctx context.Context) {
	start := time.Now()
	deleted, err := s.cleaner.CleanupOldWebhooks(ctx, s.config.AgeHours)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("Retention cycle failed", "error", err)
		}
		return
	}
	s.log.Debug("Retention cycle completed",
		"deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
