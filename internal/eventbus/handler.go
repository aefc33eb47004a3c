package eventbus

import (
	"context"

	"github.com/devguyrash/moduprompt/internal/kernel"
)

// Handler runs a synchronous side effect against every appended event of a
// type it declares interest in (e.g. metrics bookkeeping). Handlers never
// affect whether an append succeeds; an error is logged, not propagated.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []string

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single appended event.
	Handle(ctx context.Context, event kernel.Event) error
}
