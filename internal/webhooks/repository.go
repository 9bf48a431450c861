package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, platform, event_type, order_id, location_id, payload, status,
		       retry_count, max_retries, last_error, received_at, processed_at, updated_at`

// PostgresRepository stores webhook events in the webhook_events table
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new Postgres-backed event repository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new event record
func (r *PostgresRepository) Create(ctx context.Context, event *WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("create webhook event: id is required")
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.ReceivedAt
	}

	query := `
		INSERT INTO webhook_events (
			id, platform, event_type, order_id, location_id, payload, status,
			retry_count, max_retries, last_error, received_at, processed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.Platform,
		event.EventType,
		event.OrderID,
		event.LocationID,
		payloadBytes(event.Payload),
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		event.LastError,
		event.ReceivedAt,
		event.ProcessedAt,
		event.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create webhook event %s: %w", event.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// Get returns the event with the given id
func (r *PostgresRepository) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`

	event, err := scanEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get webhook event %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return event, nil
}

// Transition locks the row, checks its status and persists the mutation
func (r *PostgresRepository) Transition(ctx context.Context, id string, from EventStatus, mutate MutateFunc) (*WebhookEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1 FOR UPDATE`
	current, err := scanEvent(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transition webhook event %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if current.Status != from {
		return nil, fmt.Errorf("transition webhook event %s from %s (is %s): %w", id, from, current.Status, ErrStaleTransition)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE webhook_events
		SET status = $2, retry_count = $3, last_error = $4, processed_at = $5, updated_at = $6
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update,
		next.ID,
		string(next.Status),
		next.RetryCount,
		next.LastError,
		next.ProcessedAt,
		next.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to update webhook event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return next, nil
}

// List returns events matching the filter, newest first
func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*WebhookEvent, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.Platform != "" {
		add("platform = $%d", filter.Platform)
	}
	if filter.LocationID != "" {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.ReceivedBefore.IsZero() {
		add("received_at < $%d", filter.ReceivedBefore)
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY received_at DESC, id DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Delete removes events by id
func (r *PostgresRepository) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete webhook events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		e       WebhookEvent
		status  string
		payload []byte
	)
	err := row.Scan(
		&e.ID,
		&e.Platform,
		&e.EventType,
		&e.OrderID,
		&e.LocationID,
		&payload,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.LastError,
		&e.ReceivedAt,
		&e.ProcessedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EventStatus(status)
	e.Payload = payload
	return &e, nil
}

func payloadBytes(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}

var _ Repository = (*PostgresRepository)(nil)
