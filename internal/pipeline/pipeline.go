// Package pipeline orchestrates command submission (§4.5): validation,
// optimistic concurrency, event synthesis, durable append, and broadcast,
// behind the single Submit entry point both transports call.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/schema"
)

// Store is the subset of the event store the pipeline needs.
type Store interface {
	Append(ctx context.Context, meta kernel.AppendMeta, events []kernel.NewEvent) (kernel.AppendResult, error)
	HeadSeq(ctx context.Context, workspaceID string) (int64, error)
}

// Pipeline implements the command submission state machine.
type Pipeline struct {
	store    Store
	registry *schema.Registry
	bus      *eventbus.Bus
	clock    kernel.Clock
	tracer   trace.Tracer

	safeMode                bool
	includeRejectionDetails bool
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithSafeMode suppresses every write, per §4.5 and the Safe mode glossary
// entry; no command.rejected event is emitted while it is set.
func WithSafeMode(on bool) Option {
	return func(p *Pipeline) { p.safeMode = on }
}

// WithRejectionDetails opts into attaching schema-violation detail to
// command.rejected payloads (§9, "keep it opt-in"). Default is off.
func WithRejectionDetails(on bool) Option {
	return func(p *Pipeline) { p.includeRejectionDetails = on }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c kernel.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New constructs a Pipeline over the given store, schema registry, and
// broadcast bus.
func New(store Store, registry *schema.Registry, bus *eventbus.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		registry: registry,
		bus:      bus,
		clock:    kernel.SystemClock{},
		tracer:   otel.Tracer("moduprompt/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs envelope through the full state machine and returns the
// uniform response both transports relay to their caller.
func (p *Pipeline) Submit(ctx context.Context, envelope kernel.CommandEnvelope, actor kernel.Actor) (kernel.SubmitResponse, error) {
	traceID := envelope.TraceID
	if traceID == "" {
		if id, err := kernel.NewTraceID(); err == nil {
			traceID = id
		}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("command_type", envelope.CommandType),
		attribute.String("trace_id", traceID),
	))
	defer span.End()

	resp, err := p.submit(ctx, envelope, actor, traceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp.Rejection != nil {
		span.SetStatus(codes.Error, string(resp.Rejection.Code))
	}
	return resp, err
}

func (p *Pipeline) submit(ctx context.Context, envelope kernel.CommandEnvelope, actor kernel.Actor, traceID string) (kernel.SubmitResponse, error) {
	// SafeModeCheck
	if p.safeMode {
		return kernel.SubmitResponse{
			Accepted:  false,
			Events:    nil,
			Rejection: &kernel.Rejection{Code: kernel.CodeSafeMode, Message: "daemon is in safe mode"},
			TraceID:   traceID,
		}, nil
	}

	// KindLookup
	class := kernel.ClassifyCommand(envelope.CommandType)
	if class == kernel.ClassUnknown {
		return p.reject(ctx, envelope, traceID, kernel.CodeUnknownCommand, fmt.Sprintf("unknown command %q", envelope.CommandType))
	}

	// ReadOnlyGuard: read-only kinds are served by query endpoints, not Submit.
	if class == kernel.ReadOnly {
		return p.reject(ctx, envelope, traceID, kernel.CodeValidationFailed, fmt.Sprintf("%q is read-only; use the query endpoints", envelope.CommandType))
	}

	// IdempotencyRequired
	if envelope.IdempotencyKey == "" {
		return p.reject(ctx, envelope, traceID, kernel.CodeIdempotencyKeyRequired, "state-changing commands require an idempotency_key")
	}

	// SchemaValidate
	if err := p.registry.ValidateCommandPayload(envelope.CommandType, envelope.SchemaVersion, envelope.Payload); err != nil {
		return p.rejectWithDetails(ctx, envelope, traceID, kernel.CodeInvalidSchema, err.Error())
	}

	// Dispatch
	dr, kerr := p.dispatch(envelope, actor, traceID)
	if kerr != nil {
		return p.reject(ctx, envelope, traceID, kerr.Code, kerr.Message)
	}

	// ExpectedVersionCheck
	if envelope.ExpectedVersion != nil {
		var head int64
		var err error
		if envelope.CommandType == kernel.CmdWorkspaceCreate {
			head = 0
		} else {
			head, err = p.store.HeadSeq(ctx, dr.workspaceID)
			if err != nil {
				return p.reject(ctx, envelope, traceID, kernel.CodeInternal, err.Error())
			}
		}
		if *envelope.ExpectedVersion != head {
			return p.reject(ctx, envelope, traceID, kernel.CodeExpectedVersionMismatch,
				fmt.Sprintf("expected_version %d does not match current head %d", *envelope.ExpectedVersion, head))
		}
	}

	// EventSchemaValidate (EventSynth already produced dr.events)
	for _, ev := range dr.events {
		if err := p.registry.ValidateEventPayload(ev.EventType, ev.SchemaVersion, ev.Payload); err != nil {
			return p.reject(ctx, envelope, traceID, kernel.CodeInternal, "synthesized event failed schema validation: "+err.Error())
		}
	}

	// Store.Append
	result, err := p.store.Append(ctx, kernel.AppendMeta{IdempotencyKey: envelope.IdempotencyKey, CommandType: envelope.CommandType}, dr.events)
	if err != nil {
		return p.reject(ctx, envelope, traceID, kernel.CodeInternal, err.Error())
	}

	// Broadcast
	for _, ev := range result.Events {
		p.bus.Publish(ctx, ev)
	}

	return kernel.SubmitResponse{Accepted: true, Events: result.Events, TraceID: traceID}, nil
}

// reject synthesises and appends a command.rejected event (outside the
// user's idempotency key, per §4.5) and returns the rejection response.
func (p *Pipeline) reject(ctx context.Context, envelope kernel.CommandEnvelope, traceID string, code kernel.Code, message string) (kernel.SubmitResponse, error) {
	return p.rejectImpl(ctx, envelope, traceID, code, message, nil)
}

func (p *Pipeline) rejectWithDetails(ctx context.Context, envelope kernel.CommandEnvelope, traceID string, code kernel.Code, message string) (kernel.SubmitResponse, error) {
	var details json.RawMessage
	if p.includeRejectionDetails {
		if d, err := json.Marshal(message); err == nil {
			details = d
		}
	}
	return p.rejectImpl(ctx, envelope, traceID, code, message, details)
}

func (p *Pipeline) rejectImpl(ctx context.Context, envelope kernel.CommandEnvelope, traceID string, code kernel.Code, message string, details json.RawMessage) (kernel.SubmitResponse, error) {
	workspaceID := peekWorkspaceID(envelope.Payload)
	if workspaceID == "" {
		workspaceID = "global"
	}

	payload := kernel.CommandRejectedPayload{
		CommandType: envelope.CommandType,
		Code:        code,
		Message:     message,
	}
	if p.includeRejectionDetails {
		payload.Details = details
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return kernel.SubmitResponse{}, fmt.Errorf("pipeline: encode rejection payload: %w", err)
	}

	ne := kernel.NewEvent{
		EventType:     kernel.EventCommandRejected,
		SchemaVersion: 1,
		Actor:         kernel.Actor{Kind: "system", ID: "pipeline"},
		WorkspaceID:   workspaceID,
		Subject:       kernel.Subject{Kind: "command", ID: envelope.CommandType},
		Payload:       payloadJSON,
		TraceID:       traceID,
	}

	result, appendErr := p.store.Append(ctx, kernel.AppendMeta{CommandType: kernel.EventCommandRejected}, []kernel.NewEvent{ne})
	if appendErr != nil {
		return kernel.SubmitResponse{}, fmt.Errorf("pipeline: append rejection: %w", appendErr)
	}
	for _, ev := range result.Events {
		p.bus.Publish(ctx, ev)
	}

	return kernel.SubmitResponse{
		Accepted:  false,
		Events:    result.Events,
		Rejection: &kernel.Rejection{Code: code, Message: message, Details: details},
		TraceID:   traceID,
	}, nil
}

func peekWorkspaceID(payload json.RawMessage) string {
	var peek struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if json.Unmarshal(payload, &peek) != nil {
		return ""
	}
	return peek.WorkspaceID
}

type dispatchResult struct {
	workspaceID string
	events      []kernel.NewEvent
}

// dispatch decodes the command payload and synthesises the candidate
// events for a successful append (EventSynth step of §4.5).
func (p *Pipeline) dispatch(envelope kernel.CommandEnvelope, actor kernel.Actor, traceID string) (dispatchResult, *kernel.Error) {
	switch envelope.CommandType {
	case kernel.CmdWorkspaceCreate:
		return p.dispatchWorkspaceCreate(envelope, actor, traceID)
	case kernel.CmdProjectCreate:
		return p.dispatchProjectCreate(envelope, actor, traceID)
	default:
		return dispatchResult{}, kernel.NewError(kernel.CodeUnknownCommand, fmt.Sprintf("no dispatcher for %q", envelope.CommandType))
	}
}

func (p *Pipeline) dispatchWorkspaceCreate(envelope kernel.CommandEnvelope, actor kernel.Actor, traceID string) (dispatchResult, *kernel.Error) {
	var in kernel.WorkspaceCreatePayload
	if err := json.Unmarshal(envelope.Payload, &in); err != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeValidationFailed, "decode workspace.create payload: "+err.Error())
	}
	workspaceID, err := kernel.NewEventID()
	if err != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeInternal, err.Error())
	}
	createdAt := kernel.FormatTime(p.clock.Now())
	payload := kernel.WorkspaceCreatePayloadProjection{
		WorkspaceID: workspaceID,
		Name:        in.Name,
		RootPath:    in.Path,
		CreatedAt:   createdAt,
	}
	payloadJSON, jerr := json.Marshal(payload)
	if jerr != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeInternal, jerr.Error())
	}
	ev := kernel.NewEvent{
		EventType:     kernel.EventWorkspaceCreated,
		SchemaVersion: 1,
		Actor:         actor,
		WorkspaceID:   workspaceID,
		Subject:       kernel.Subject{Kind: "workspace", ID: workspaceID},
		Payload:       payloadJSON,
		TraceID:       traceID,
	}
	return dispatchResult{workspaceID: workspaceID, events: []kernel.NewEvent{ev}}, nil
}

func (p *Pipeline) dispatchProjectCreate(envelope kernel.CommandEnvelope, actor kernel.Actor, traceID string) (dispatchResult, *kernel.Error) {
	var in kernel.ProjectCreatePayload
	if err := json.Unmarshal(envelope.Payload, &in); err != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeValidationFailed, "decode project.create payload: "+err.Error())
	}
	if in.WorkspaceID == "" {
		return dispatchResult{}, kernel.NewError(kernel.CodeValidationFailed, "workspace_id is required")
	}
	projectID, err := kernel.NewEventID()
	if err != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeInternal, err.Error())
	}
	createdAt := kernel.FormatTime(p.clock.Now())
	payload := kernel.ProjectCreatedPayloadProjection{
		ProjectID:   projectID,
		WorkspaceID: in.WorkspaceID,
		Name:        in.Name,
		CreatedAt:   createdAt,
	}
	payloadJSON, jerr := json.Marshal(payload)
	if jerr != nil {
		return dispatchResult{}, kernel.NewError(kernel.CodeInternal, jerr.Error())
	}
	ev := kernel.NewEvent{
		EventType:     kernel.EventProjectCreated,
		SchemaVersion: 1,
		Actor:         actor,
		WorkspaceID:   in.WorkspaceID,
		ProjectID:     projectID,
		Subject:       kernel.Subject{Kind: "project", ID: projectID},
		Payload:       payloadJSON,
		TraceID:       traceID,
	}
	return dispatchResult{workspaceID: in.WorkspaceID, events: []kernel.NewEvent{ev}}, nil
}
