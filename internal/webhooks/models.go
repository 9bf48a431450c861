package webhooks

import (
	"encoding/json"
	"time"
)

// DefaultMaxRetries is the retry cap given to events at ingestion.
const DefaultMaxRetries = 3

// WebhookEvent represents one inbound aggregator notification and its lifecycle
type WebhookEvent struct {
	ID          string          `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`
	EventType   string          `json:"event_type" db:"event_type"`
	OrderID     string          `json:"order_id" db:"order_id"`
	LocationID  string          `json:"location_id" db:"location_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      EventStatus     `json:"status" db:"status"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	MaxRetries  int             `json:"max_retries" db:"max_retries"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	ReceivedAt  time.Time       `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (e *WebhookEvent) Clone() *WebhookEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.ProcessedAt != nil {
		processedAt := *e.ProcessedAt
		out.ProcessedAt = &processedAt
	}
	return &out
}

// EventStatus represents the lifecycle state of a webhook event
type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions lists every permitted status change. failed -> received is
// reserved for the operator replay.
var transitions = map[EventStatus][]EventStatus{
	StatusReceived:   {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusReceived, StatusFailed},
	StatusFailed:     {StatusReceived},
}

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to EventStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Platform       string
	LocationID     string
	Status         EventStatus
	ReceivedBefore time.Time
}

// Matches reports whether the event satisfies every set field of the filter.
func (f Filter) Matches(e *WebhookEvent) bool {
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if f.LocationID != "" && e.LocationID != f.LocationID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.ReceivedBefore.IsZero() && !e.ReceivedAt.Before(f.ReceivedBefore) {
		return false
	}
	return true
}
