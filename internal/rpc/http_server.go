// Package rpc implements the two transport adapters (§4.7): HTTP and a
// line-delimited stdio frame loop, both invoking the same pipeline.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/pipeline"
	"github.com/devguyrash/moduprompt/internal/subscription"
)

// Version is the daemon's reported protocol/build version.
const Version = "0.1.0"

// HTTPServer exposes the pipeline and projections over HTTP (§4.7).
type HTTPServer struct {
	pipeline  *pipeline.Pipeline
	store     *eventstore.Store
	hub       *subscription.Hub
	metrics   *Metrics
	token     string
	startedAt time.Time

	sem *semaphore.Weighted

	srv *http.Server
}

// NewHTTPServer constructs an HTTPServer bound to addr. token is the
// bearer token required on every route; maxConnections bounds concurrent
// in-flight requests via a weighted semaphore.
func NewHTTPServer(addr, token string, p *pipeline.Pipeline, store *eventstore.Store, hub *subscription.Hub, maxConnections int) *HTTPServer {
	if maxConnections <= 0 {
		maxConnections = 64
	}
	s := &HTTPServer{
		pipeline:  p,
		store:     store,
		hub:       hub,
		metrics:   NewMetrics(256),
		token:     token,
		startedAt: time.Now(),
		sem:       semaphore.NewWeighted(int64(maxConnections)),
	}
	s.srv = &http.Server{Addr: addr, Handler: s.router()}
	return s
}

// Handler returns the server's routed http.Handler, for use with
// httptest.NewServer or embedding behind another listener.
func (s *HTTPServer) Handler() http.Handler { return s.srv.Handler }

// Metrics returns the server's metrics aggregator, so callers can also
// register it as an eventbus.Handler to observe appended events.
func (s *HTTPServer) Metrics() *Metrics { return s.metrics }

// Start begins serving and blocks until ctx is cancelled, then gracefully
// shuts down.
func (s *HTTPServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *HTTPServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)
	r.Use(s.concurrencyMiddleware)

	r.Get("/v1/daemon/ping", s.handlePing)
	r.Post("/v1/commands/submit", s.handleSubmit)
	r.Get("/v1/workspaces", s.handleListWorkspaces)
	r.Get("/v1/projects", s.handleListProjects)
	r.Get("/v1/events", s.handleListEvents)
	r.Get("/v1/events/stream", s.handleSSE)
	r.Get("/v1/events/stream-ndjson", s.handleNDJSON)
	r.Get("/v1/daemon/metrics", s.handleMetrics)

	return r
}

func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + s.token
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			writeError(w, http.StatusUnauthorized, kernel.CodeUnauthorized, "missing or invalid bearer token", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) concurrencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			s.metrics.RecordConnection(false)
			writeError(w, http.StatusServiceUnavailable, kernel.CodeInternal, "too many concurrent requests", "")
			return
		}
		defer s.sem.Release(1)
		s.metrics.RecordConnection(true)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.metrics.RecordRequest(r.URL.Path, time.Since(start), rec.status >= 400)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeError(w http.ResponseWriter, status int, code kernel.Code, message, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: string(code), Message: message, TraceID: traceID})
}

func (s *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingBody(s.startedAt))
}

// pingBody is the daemon.ping reply shared by the HTTP and stdio
// transports: status/version/timestamp per §4.7, plus uptime_seconds
// mirroring the original daemon's build-metadata health payload.
func pingBody(startedAt time.Time) map[string]any {
	return map[string]any{
		"status":         "ok",
		"version":        Version,
		"timestamp":      kernel.FormatTime(time.Now()),
		"uptime_seconds": time.Since(startedAt).Seconds(),
	}
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var envelope kernel.CommandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, kernel.CodeInvalidSchema, "malformed request body: "+err.Error(), "")
		return
	}
	resp, err := s.pipeline.Submit(r.Context(), envelope, httpActor(r))
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), envelope.TraceID)
		return
	}
	status := http.StatusOK
	if resp.Rejection != nil {
		status = resp.Rejection.Code.HTTPStatus()
	}
	writeJSON(w, status, resp)
}

func httpActor(r *http.Request) kernel.Actor {
	return kernel.Actor{Kind: "http", ID: r.RemoteAddr}
}

func (s *HTTPServer) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": rows})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, kernel.CodeValidationFailed, "workspace_id is required", "")
		return
	}
	rows, err := s.store.ListProjects(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": rows})
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, kernel.CodeValidationFailed, "workspace_id is required", "")
		return
	}
	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	events, err := s.store.ReadFrom(r.Context(), workspaceID, from, limit)
	if err != nil {
		writeError(w, http.StatusOK, kernel.CodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseCursorParams(r *http.Request) (workspaceID string, from int64, err error) {
	workspaceID = r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		return "", 0, fmt.Errorf("workspace_id is required")
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid from: %w", err)
		}
	}
	return workspaceID, from, nil
}
