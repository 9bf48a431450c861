// Package queue runs the durable River queue used when events are stored in
// postgres.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/sarathsp06/orderhook/internal/logger"
	"github.com/sarathsp06/orderhook/internal/workers"
)

// DefaultQueue is the River queue webhook processing jobs run on.
const DefaultQueue = "webhook_events"

// Config tunes the River client
type Config struct {
	Name       string
	MaxWorkers int
}

// Manager handles the River queue management
type Manager struct {
	client  *river.Client[pgx.Tx]
	dbPool  *pgxpool.Pool
	workers *river.Workers
	queue   string
	log     *slog.Logger
}

// NewManager creates a new queue manager. The returned pool is shared with
// the webhook repository and closed by Stop.
func NewManager(ctx context.Context, databaseURL string, cfg Config) (*Manager, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultQueue
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}

	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Workers are registered after the engine exists, which itself needs
	// the scheduler built on this client.
	riverWorkers := river.NewWorkers()

	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			cfg.Name: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: riverWorkers,
		Logger:  logger.NewLogger("river"),
	})
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &Manager{
		client:  riverClient,
		dbPool:  dbPool,
		workers: riverWorkers,
		queue:   cfg.Name,
		log:     logger.NewLogger("queue-manager"),
	}, nil
}

// RegisterProcessor routes processing jobs to p. Must be called before Start.
func (m *Manager) RegisterProcessor(p workers.Processor, timeout time.Duration) error {
	if err := river.AddWorkerSafely(m.workers, workers.NewProcessEventWorker(p, timeout)); err != nil {
		return fmt.Errorf("failed to register process worker: %w", err)
	}
	return nil
}

// Start starts the queue processing
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Start(ctx); err != nil {
		m.log.Error("Failed to start River client", "error", err)
		return fmt.Errorf("failed to start River client: %w", err)
	}

	m.log.Info("River queue started successfully", "queue", m.queue)
	return nil
}

// Stop stops the queue processing and closes the database pool
func (m *Manager) Stop(ctx context.Context) error {
	err := m.client.Stop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("River client did not stop cleanly", "error", err)
	}
	m.dbPool.Close()
	m.log.Info("River queue stopped")
	return err
}

// Pool returns the database pool
func (m *Manager) Pool() *pgxpool.Pool {
	return m.dbPool
}

// Client returns the River client
func (m *Manager) Client() *river.Client[pgx.Tx] {
	return m.client
}

// Scheduler returns a retry.Scheduler that inserts jobs on this queue
func (m *Manager) Scheduler() *RiverScheduler {
	return NewRiverScheduler(m.client, m.queue)
}
