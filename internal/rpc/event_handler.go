package rpc

import (
	"context"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/kernel"
)

// EventHandler adapts Metrics to eventbus.Handler, so every event the
// pipeline appends is counted by type regardless of whether any
// subscriber is currently listening on the broadcast channel.
type EventHandler struct {
	metrics *Metrics
}

// NewEventHandler returns a Handler that tallies every observed event
// type into metrics. Register it with bus.Register.
func NewEventHandler(metrics *Metrics) *EventHandler {
	return &EventHandler{metrics: metrics}
}

func (h *EventHandler) ID() string { return "rpc.metrics" }

// Handles returns every known event type; metrics bookkeeping has no
// reason to ignore any of them.
func (h *EventHandler) Handles() []string { return kernel.AllEventTypes }

func (h *EventHandler) Priority() int { return 0 }

func (h *EventHandler) Handle(ctx context.Context, event kernel.Event) error {
	h.metrics.RecordEvent(event.EventType)
	return nil
}

var _ eventbus.Handler = (*EventHandler)(nil)
