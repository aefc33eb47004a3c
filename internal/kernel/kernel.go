// Package kernel defines the command and event vocabulary shared by every
// other daemon package: type identifiers, the error taxonomy, actor/subject
// shapes, and id/time helpers.
package kernel

import (
	"time"

	"github.com/google/uuid"
)

// Command identifiers accepted by the pipeline.
const (
	CmdWorkspaceCreate  = "workspace.create"
	CmdProjectCreate    = "project.create"
	CmdDaemonPing       = "daemon.ping"
	CmdWorkspaceList    = "workspace.list"
	CmdProjectList      = "project.list"
	CmdEventsReadFrom   = "events.read_from"
	CmdEventsSubscribe  = "events.subscribe"
)

// Event type identifiers written to the log.
const (
	EventWorkspaceCreated = "workspace.created"
	EventProjectCreated   = "project.created"
	EventCommandRejected  = "command.rejected"
)

// AllEventTypes lists every event type the log can contain, for observers
// (metrics, audit logging) that want to subscribe to all of them rather
// than enumerating the set themselves.
var AllEventTypes = []string{EventWorkspaceCreated, EventProjectCreated, EventCommandRejected}

// Classification describes whether a command mutates workspace state.
type Classification int

const (
	// ClassUnknown is returned for an identifier absent from the registry.
	ClassUnknown Classification = iota
	ReadOnly
	StateChanging
)

var commandClass = map[string]Classification{
	CmdWorkspaceCreate: StateChanging,
	CmdProjectCreate:   StateChanging,
	CmdDaemonPing:      ReadOnly,
	CmdWorkspaceList:   ReadOnly,
	CmdProjectList:     ReadOnly,
	CmdEventsReadFrom:  ReadOnly,
	CmdEventsSubscribe: ReadOnly,
}

// ClassifyCommand reports a command's classification, or ClassUnknown if the
// identifier is not registered.
func ClassifyCommand(commandType string) Classification {
	c, ok := commandClass[commandType]
	if !ok {
		return ClassUnknown
	}
	return c
}

// Code is the wire-level error taxonomy (§4.1, §7 of the spec this daemon
// implements).
type Code string

const (
	CodeInvalidSchema            Code = "invalid_schema"
	CodeUnknownCommand           Code = "unknown_command"
	CodeIdempotencyKeyRequired   Code = "idempotency_key_required"
	CodeExpectedVersionMismatch  Code = "expected_version_mismatch"
	CodeValidationFailed         Code = "validation_failed"
	CodeUnauthorized             Code = "unauthorized"
	CodeNotFound                 Code = "not_found"
	CodePolicyDenied             Code = "policy_denied"
	CodeInternal                 Code = "internal"
	CodeSafeMode                 Code = "safe_mode"
)

// HTTPStatus maps a Code to the status code the HTTP transport should use
// for the enclosing envelope (most rejections still wrap SubmitResponse
// in a 200; only shape and auth failures get a distinct status).
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidSchema:
		return 400
	case CodeUnauthorized:
		return 401
	default:
		return 200
	}
}

// CLIExitCode maps a Code to the exit code the (out-of-scope) CLI front end
// is expected to surface; kept here because §6 documents it as observable
// behaviour of this package's taxonomy.
func (c Code) CLIExitCode() int {
	switch c {
	case "":
		return 0
	case CodeInvalidSchema, CodeValidationFailed, CodeIdempotencyKeyRequired, CodeUnknownCommand:
		return 2
	case CodeExpectedVersionMismatch:
		return 3
	case CodeUnauthorized:
		return 4
	case CodeNotFound:
		return 5
	case CodePolicyDenied:
		return 6
	default:
		return 1
	}
}

// Error is a typed pipeline/store error carrying the wire Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// NewError constructs a kernel Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Actor identifies who issued a command.
type Actor struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Subject identifies the entity an event is about.
type Subject struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Clock supplies the current time for event timestamps and created_at
// values. SystemClock is the only implementation in this package; event
// and trace ids come from uuid.NewV7 and do not consult the Clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall-clock implementation.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// NewEventID returns a fresh time-ordered event id.
func NewEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTraceID returns a fresh time-ordered trace id.
func NewTraceID() (string, error) {
	return NewEventID()
}

// FormatTime renders t as RFC3339 with millisecond precision, UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
