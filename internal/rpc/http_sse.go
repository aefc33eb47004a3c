package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devguyrash/moduprompt/internal/kernel"
)

const keepaliveInterval = 15 * time.Second

// handleSSE streams catch-up-then-tail events as Server-Sent Events. Each
// event is framed as `id: <seq_global>`, `event: <event_type>` and a single
// `data: <json>` line, followed by a blank line.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	workspaceID, from, err := parseCursorParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kernel.CodeValidationFailed, err.Error(), "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kernel.CodeInternal, "streaming unsupported", "")
		return
	}

	ctx := r.Context()
	events, cancel, err := s.hub.Subscribe(ctx, workspaceID, from)
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), "")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev kernel.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqGlobal, ev.EventType, data); err != nil {
		return err
	}
	return nil
}

// handleNDJSON streams catch-up-then-tail events as line-delimited JSON.
func (s *HTTPServer) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	workspaceID, from, err := parseCursorParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kernel.CodeValidationFailed, err.Error(), "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kernel.CodeInternal, "streaming unsupported", "")
		return
	}

	ctx := r.Context()
	events, cancel, err := s.hub.Subscribe(ctx, workspaceID, from)
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), "")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
