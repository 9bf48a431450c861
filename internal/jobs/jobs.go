package jobs

// ProcessEventArgs asks a worker to run one processing attempt for a stored
// webhook event. The event itself stays in the webhook_events table.
type ProcessEventArgs struct {
	EventID string `json:"event_id"`
}

// Kind returns the job kind for River queue
func (ProcessEventArgs) Kind() string {
	return "webhook_event_process"
}
