package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics accumulates per-operation counters and latency samples for the
// /v1/daemon/metrics JSON endpoint, and mirrors the same observations
// into OpenTelemetry instruments so they also flow through whatever
// MeterProvider main.go installs (the stdout exporter by default). Every
// Record call updates both the in-struct counters read by Snapshot and the
// OTel instruments, so the two views are fed by the same observations.
type Metrics struct {
	mu             sync.Mutex
	requestCounts  map[string]int64
	requestErrors  map[string]int64
	requestLatency map[string][]time.Duration
	maxSamples     int

	totalConns    int64
	rejectedConns int64

	eventCounts map[string]int64

	requestCounter     metric.Int64Counter
	requestErrorCount  metric.Int64Counter
	requestDuration    metric.Float64Histogram
	connectionsCounter metric.Int64Counter
	eventCounter       metric.Int64Counter
}

// NewMetrics returns an empty Metrics aggregator retaining up to
// maxSamples latency samples per operation, with instruments registered
// against the global otel meter provider.
func NewMetrics(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	meter := otel.Meter("moduprompt/rpc")
	requestCounter, _ := meter.Int64Counter("moduprompt.rpc.requests", metric.WithDescription("completed RPC requests"))
	requestErrorCount, _ := meter.Int64Counter("moduprompt.rpc.request_errors", metric.WithDescription("RPC requests that returned an error status"))
	requestDuration, _ := meter.Float64Histogram("moduprompt.rpc.request_duration_ms", metric.WithDescription("RPC request latency in milliseconds"), metric.WithUnit("ms"))
	connectionsCounter, _ := meter.Int64Counter("moduprompt.rpc.connections", metric.WithDescription("accepted or rejected HTTP connections"))
	eventCounter, _ := meter.Int64Counter("moduprompt.rpc.events", metric.WithDescription("events observed flowing through the broadcast bus"))
	return &Metrics{
		requestCounts:      make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestLatency:     make(map[string][]time.Duration),
		maxSamples:         maxSamples,
		eventCounts:        make(map[string]int64),
		requestCounter:     requestCounter,
		requestErrorCount:  requestErrorCount,
		requestDuration:    requestDuration,
		connectionsCounter: connectionsCounter,
		eventCounter:       eventCounter,
	}
}

// RecordEvent counts one event of the given type observed flowing through
// the broadcast bus. It implements the bookkeeping half of an
// eventbus.Handler; see EventHandler.
func (m *Metrics) RecordEvent(eventType string) {
	m.eventCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCounts[eventType]++
}

// RecordRequest records one completed operation's outcome and duration.
func (m *Metrics) RecordRequest(operation string, d time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.requestCounter.Add(context.Background(), 1, attrs)
	m.requestDuration.Record(context.Background(), float64(d.Milliseconds()), attrs)
	if failed {
		m.requestErrorCount.Add(context.Background(), 1, attrs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCounts[operation]++
	if failed {
		m.requestErrors[operation]++
	}
	samples := m.requestLatency[operation]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[operation] = append(samples, d)
}

// RecordConnection increments the accepted or rejected connection counter.
func (m *Metrics) RecordConnection(accepted bool) {
	m.connectionsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
	if accepted {
		atomic.AddInt64(&m.totalConns, 1)
	} else {
		atomic.AddInt64(&m.rejectedConns, 1)
	}
}

// Snapshot is a point-in-time rendering of the accumulated metrics.
type Snapshot struct {
	TotalConnections    int64              `json:"total_connections"`
	RejectedConnections int64              `json:"rejected_connections"`
	Requests            map[string]int64   `json:"requests"`
	Errors              map[string]int64   `json:"errors"`
	AvgLatencyMs        map[string]float64 `json:"avg_latency_ms"`
	Events              map[string]int64   `json:"events"`
}

// Snapshot returns a copy of the current metrics state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TotalConnections:    atomic.LoadInt64(&m.totalConns),
		RejectedConnections: atomic.LoadInt64(&m.rejectedConns),
		Requests:            make(map[string]int64, len(m.requestCounts)),
		Errors:              make(map[string]int64, len(m.requestErrors)),
		AvgLatencyMs:        make(map[string]float64, len(m.requestLatency)),
		Events:              make(map[string]int64, len(m.eventCounts)),
	}
	for k, v := range m.requestCounts {
		snap.Requests[k] = v
	}
	for k, v := range m.requestErrors {
		snap.Errors[k] = v
	}
	for k, v := range m.eventCounts {
		snap.Events[k] = v
	}
	for k, samples := range m.requestLatency {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		snap.AvgLatencyMs[k] = float64(total.Milliseconds()) / float64(len(samples))
	}
	return snap
}
