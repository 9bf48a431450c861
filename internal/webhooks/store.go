package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no event exists for an id.
	ErrNotFound = errors.New("webhook event not found")
	// ErrDuplicateID is returned when an id is ingested twice.
	ErrDuplicateID = errors.New("webhook event id already exists")
	// ErrStaleTransition is returned when the stored status no longer matches the expected one.
	ErrStaleTransition = errors.New("webhook event status changed concurrently")
	// ErrInvalidTransition is returned when a mutation would break the lifecycle.
	ErrInvalidTransition = errors.New("invalid webhook event status transition")
)

// MutateFunc edits an event in place during a transition.
type MutateFunc func(*WebhookEvent) error

// Repository stores webhook events and their lifecycle.
//
// Transition is the only way to change a stored event: it loads the record,
// checks that its status still equals from, applies the mutation and
// persists it atomically. The resulting status must be reachable from
// from according to CanTransition.
type Repository interface {
	Create(ctx context.Context, event *WebhookEvent) error
	Get(ctx context.Context, id string) (*WebhookEvent, error)
	Transition(ctx context.Context, id string, from EventStatus, mutate MutateFunc) (*WebhookEvent, error)
	List(ctx context.Context, filter Filter) ([]*WebhookEvent, error)
	Delete(ctx context.Context, ids ...string) (int, error)
}

// MemoryRepository keeps events in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*WebhookEvent)}
}

// Create stores a new event
func (r *MemoryRepository) Create(_ context.Context, event *WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("create webhook event: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.ID]; exists {
		return fmt.Errorf("create webhook event %s: %w", event.ID, ErrDuplicateID)
	}
	r.events[event.ID] = event.Clone()
	return nil
}

// Get returns a copy of the event with the given id
func (r *MemoryRepository) Get(_ context.Context, id string) (*WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("get webhook event %s: %w", id, ErrNotFound)
	}
	return event.Clone(), nil
}

// Transition applies mutate to the event if its status is still from
func (r *MemoryRepository) Transition(_ context.Context, id string, from EventStatus, mutate MutateFunc) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("transition webhook event %s: %w", id, ErrNotFound)
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
	r.events[id] = next
	return next.Clone(), nil
}

// List returns the events matching filter, newest first
func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]*WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*WebhookEvent
	for _, event := range r.events {
		if filter.Matches(event) {
			out = append(out, event.Clone())
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// Delete removes the given ids and reports how many existed
func (r *MemoryRepository) Delete(_ context.Context, ids ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := r.events[id]; ok {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// SortNewestFirst orders events by receivedAt descending, breaking ties by id.
func SortNewestFirst(events []*WebhookEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].ReceivedAt.After(events[j].ReceivedAt)
	})
}

// checkTransition guards the fields a mutation is not allowed to touch.
func checkTransition(before, after *WebhookEvent) error {
	if after.ID != before.ID {
		return fmt.Errorf("event %s: id is immutable: %w", before.ID, ErrInvalidTransition)
	}
	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return fmt.Errorf("event %s: %s -> %s: %w", before.ID, before.Status, after.Status, ErrInvalidTransition)
	}
	if after.RetryCount < 0 || after.RetryCount > after.MaxRetries {
		return fmt.Errorf("event %s: retry count %d outside [0, %d]: %w", before.ID, after.RetryCount, after.MaxRetries, ErrInvalidTransition)
	}
	// Only a replay of a failed event may hand out a fresh retry budget.
	replay := before.Status == StatusFailed && after.Status == StatusReceived
	if after.RetryCount < before.RetryCount && !replay {
		return fmt.Errorf("event %s: retry count decreased: %w", before.ID, ErrInvalidTransition)
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
