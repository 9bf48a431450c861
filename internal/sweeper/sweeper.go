// Package sweeper runs periodic maintenance over the webhook event store.
package sweeper

import (
	"context"
)

// Sweeper defines the interface for sweeper implementations.
// Sweepers are long-running background tasks that perform periodic maintenance
type Sweeper interface {
	// Start begins the sweeper's main loop.
	// This is a blocking call that runs until the context is canceled or Stop is called
	Start(ctx context.Context) error

	// Stop gracefully stops the sweeper, waiting for an in-progress cycle
	Stop(ctx context.Context) error

	// Name returns the sweeper's name for logging and identification
	Name() string
}
