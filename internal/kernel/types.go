package kernel

import "encoding/json"

// NewEvent is what a caller of the store submits: everything except what
// the store itself assigns (event id, timestamp, sequences).
type NewEvent struct {
	EventType     string
	SchemaVersion int
	Actor         Actor
	WorkspaceID   string
	ProjectID     string // empty if not applicable
	Subject       Subject
	StreamID      string // defaults to Subject.ID when empty
	Payload       json.RawMessage
	TraceID       string
}

// Event is a durable, sequenced fact as stored and replayed.
type Event struct {
	WorkspaceID   string          `json:"workspace_id"`
	SeqGlobal     int64           `json:"seq_global"`
	StreamID      string          `json:"stream_id"`
	SeqStream     int64           `json:"seq_stream"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     string          `json:"timestamp"`
	Actor         Actor           `json:"actor"`
	ProjectID     string          `json:"project_id,omitempty"`
	Subject       Subject         `json:"subject"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	TraceID       string          `json:"trace_id,omitempty"`
}

// AppendMeta carries the cross-cutting fields of an append call that are
// not part of any individual event.
type AppendMeta struct {
	IdempotencyKey string // empty means "no memoisation requested"
	CommandType    string
}

// AppendResult is returned by the store's Append operation.
type AppendResult struct {
	Events     []Event
	Idempotent bool
}

// CommandEnvelope is the wire container for a client request (§4.5, §GLOSSARY).
type CommandEnvelope struct {
	CommandType     string          `json:"command_type"`
	SchemaVersion   int             `json:"schema_version"`
	Payload         json.RawMessage `json:"payload"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// Rejection describes why a command was not accepted.
type Rejection struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// SubmitResponse is the pipeline's uniform reply across both transports.
type SubmitResponse struct {
	Accepted  bool       `json:"accepted"`
	Events    []Event    `json:"events"`
	Rejection *Rejection `json:"rejection,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
}

// WorkspaceRow is a row of the workspaces projection.
type WorkspaceRow struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
	CreatedAt   string `json:"created_at"`
	SeqGlobal   int64  `json:"seq_global"`
}

// ProjectRow is a row of the projects projection.
type ProjectRow struct {
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	SeqGlobal   int64  `json:"seq_global"`
}

// WorkspaceCreatePayload is the payload shape of the workspace.create command.
type WorkspaceCreatePayload struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProjectCreatePayload is the payload shape of the project.create command.
type ProjectCreatePayload struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
}

// WorkspaceCreatePayloadProjection is the shape of a workspace.created event payload.
type WorkspaceCreatePayloadProjection struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
	CreatedAt   string `json:"created_at"`
}

// ProjectCreatedPayloadProjection is the shape of a project.created event payload.
type ProjectCreatedPayloadProjection struct {
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
}

// CommandRejectedPayload is the payload of a command.rejected event.
type CommandRejectedPayload struct {
	CommandType string          `json:"command_type"`
	Code        Code            `json:"code"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
}
