// Package subscription implements the catch-up-then-tail live event stream
// (§4.6): a scan of durable history up to the broadcast hand-off, then a
// bridge onto the in-process broadcast channel, so a connecting subscriber
// sees exactly the events past its cursor with no duplicates and no gaps
// while it keeps up.
package subscription

import (
	"context"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/kernel"
)

// Reader is the subset of the event store a subscription needs.
type Reader interface {
	ReadFrom(ctx context.Context, workspaceID string, fromSeq int64, limit int) ([]kernel.Event, error)
}

// Hub wires a Reader (durable history) to a Bus (live tail) to serve
// subscriptions.
type Hub struct {
	store Reader
	bus   *eventbus.Bus
}

// New constructs a Hub over the given store and broadcast bus.
func New(store Reader, bus *eventbus.Bus) *Hub {
	return &Hub{store: store, bus: bus}
}

// Subscribe starts a catch-up-then-tail stream for workspaceID from cursor
// fromSeq. It returns a channel of events and a cancel function; the
// channel is closed once cancel is called or ctx is done. The caller is
// expected to range over the channel promptly — a slow consumer only loses
// tail events (eventbus.Bus semantics), never catch-up events, since those
// come from the store scan rather than the broadcast channel.
func (h *Hub) Subscribe(ctx context.Context, workspaceID string, fromSeq int64) (<-chan kernel.Event, func(), error) {
	// Subscribe to the broadcast before scanning, so an event published
	// between the scan and the hand-off reaches the tail; the lastSeq
	// filter below drops anything the scan already returned.
	live, unsubscribe := h.bus.Subscribe()
	catchUp, err := h.store.ReadFrom(ctx, workspaceID, fromSeq, 0)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}

	lastSeq := fromSeq
	if len(catchUp) > 0 {
		lastSeq = catchUp[len(catchUp)-1].SeqGlobal
	}

	out := make(chan kernel.Event, len(catchUp)+1)

	go func() {
		defer close(out)
		for _, ev := range catchUp {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.WorkspaceID != workspaceID || ev.SeqGlobal <= lastSeq {
					continue
				}
				lastSeq = ev.SeqGlobal
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}
