package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/pipeline"
	"github.com/devguyrash/moduprompt/internal/subscription"
)

// AuthMode controls whether a stdio connection requires an explicit auth
// frame before any other frame is accepted (§4.7).
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthToken
)

// Frame is the wire shape of every stdio message: one JSON object per line.
type Frame struct {
	RequestID     string          `json:"request_id,omitempty"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

const frameSchemaVersion = 1

// StdioServer drives the line-delimited stdio frame loop over any
// io.ReadWriteCloser — a net.Conn, or os.Stdin/os.Stdout wrapped together.
type StdioServer struct {
	pipeline  *pipeline.Pipeline
	store     *eventstore.Store
	hub       *subscription.Hub
	authMode  AuthMode
	token     string
	startedAt time.Time
}

// NewStdioServer constructs a StdioServer. When mode is AuthToken, every
// new connection must send an `auth` frame with the matching token before
// any other frame is accepted. The auth frame may also carry
// client_version; a client from a different major version than Version,
// or newer than Version, is denied (see checkVersionCompatibility). The
// HTTP transport performs no version check.
func NewStdioServer(p *pipeline.Pipeline, store *eventstore.Store, hub *subscription.Hub, mode AuthMode, token string) *StdioServer {
	return &StdioServer{pipeline: p, store: store, hub: hub, authMode: mode, token: token, startedAt: time.Now()}
}

type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}

// NewStdInOutCloser wraps separate reader/writer streams (e.g. os.Stdin,
// os.Stdout) as a single io.ReadWriteCloser whose Close does nothing to
// the process's standard streams.
func NewStdInOutCloser(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return rwc{Reader: r, Writer: w, Closer: io.NopCloser(nil)}
}

// Serve runs the frame loop over conn until it is closed or ctx is done.
func (s *StdioServer) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	authenticated := s.authMode == AuthNone

	var subMu sync.Mutex
	var subCancel func()
	defer func() {
		subMu.Lock()
		if subCancel != nil {
			subCancel()
		}
		subMu.Unlock()
	}()

	writeFrame := func(f Frame) error {
		f.SchemaVersion = frameSchemaVersion
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	writeError := func(requestID string, code kernel.Code, message string) error {
		payload, _ := json.Marshal(errorBody{Code: string(code), Message: message})
		return writeFrame(Frame{RequestID: requestID, Type: "error", Payload: payload})
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var f Frame
			if jerr := json.Unmarshal(line, &f); jerr != nil {
				_ = writeError("", kernel.CodeInvalidSchema, "malformed frame: "+jerr.Error())
				continue
			}
			if f.SchemaVersion != frameSchemaVersion {
				_ = writeError(f.RequestID, kernel.CodeInvalidSchema, "unsupported schema_version")
				continue
			}

			if !authenticated {
				if f.Type != "auth" {
					_ = writeError(f.RequestID, kernel.CodeUnauthorized, "connection requires auth")
					continue
				}
				var authPayload struct {
					Token         string `json:"token"`
					ClientVersion string `json:"client_version"`
				}
				_ = json.Unmarshal(f.Payload, &authPayload)
				if authPayload.Token != s.token {
					resp, _ := json.Marshal(map[string]string{"status": "denied"})
					_ = writeFrame(Frame{RequestID: f.RequestID, Type: "auth.response", Payload: resp})
					continue
				}
				if err := checkVersionCompatibility(authPayload.ClientVersion); err != nil {
					resp, _ := json.Marshal(map[string]string{"status": "denied", "reason": err.Error()})
					_ = writeFrame(Frame{RequestID: f.RequestID, Type: "auth.response", Payload: resp})
					continue
				}
				authenticated = true
				resp, _ := json.Marshal(map[string]string{"status": "ok"})
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "auth.response", Payload: resp})
				continue
			}

			switch f.Type {
			case "auth":
				resp, _ := json.Marshal(map[string]string{"status": "ok"})
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "auth.response", Payload: resp})

			case "daemon.ping":
				data, _ := json.Marshal(pingBody(s.startedAt))
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "daemon.ping.response", Payload: data})

			case "command.submit":
				var envelope kernel.CommandEnvelope
				if jerr := json.Unmarshal(f.Payload, &envelope); jerr != nil {
					_ = writeError(f.RequestID, kernel.CodeInvalidSchema, "malformed command envelope: "+jerr.Error())
					continue
				}
				resp, perr := s.pipeline.Submit(ctx, envelope, kernel.Actor{Kind: "stdio", ID: "conn"})
				if perr != nil {
					payload, _ := json.Marshal(errorBody{Code: string(kernel.CodeInternal), Message: perr.Error(), TraceID: envelope.TraceID})
					_ = writeFrame(Frame{RequestID: f.RequestID, Type: "error", Payload: payload})
					continue
				}
				data, _ := json.Marshal(resp)
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "command.response", Payload: data})

			case "query.workspaces":
				rows, qerr := s.store.ListWorkspaces(ctx)
				if qerr != nil {
					_ = writeError(f.RequestID, kernel.CodeInternal, qerr.Error())
					continue
				}
				data, _ := json.Marshal(map[string]any{"workspaces": rows})
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "query.workspaces.response", Payload: data})

			case "query.projects":
				var q struct {
					WorkspaceID string `json:"workspace_id"`
				}
				_ = json.Unmarshal(f.Payload, &q)
				rows, qerr := s.store.ListProjects(ctx, q.WorkspaceID)
				if qerr != nil {
					_ = writeError(f.RequestID, kernel.CodeInternal, qerr.Error())
					continue
				}
				data, _ := json.Marshal(map[string]any{"projects": rows})
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "query.projects.response", Payload: data})

			case "events.subscribe":
				subMu.Lock()
				if subCancel != nil {
					subMu.Unlock()
					_ = writeError(f.RequestID, kernel.Code("conflict"), "a subscription is already active on this connection")
					continue
				}
				var q struct {
					WorkspaceID string `json:"workspace_id"`
					From        int64  `json:"from"`
				}
				_ = json.Unmarshal(f.Payload, &q)
				subCtx, cancel := context.WithCancel(ctx)
				events, unsubscribe, serr := s.hub.Subscribe(subCtx, q.WorkspaceID, q.From)
				if serr != nil {
					cancel()
					subMu.Unlock()
					_ = writeError(f.RequestID, kernel.CodeInternal, serr.Error())
					continue
				}
				subCancel = func() { cancel(); unsubscribe() }
				subMu.Unlock()

				resp, _ := json.Marshal(map[string]string{"status": "ok"})
				_ = writeFrame(Frame{RequestID: f.RequestID, Type: "events.subscribe.response", Payload: resp})

				go func() {
					for ev := range events {
						data, _ := json.Marshal(ev)
						_ = writeFrame(Frame{Type: "events.event", Payload: data})
					}
				}()

			default:
				_ = writeError(f.RequestID, kernel.CodeUnknownCommand, fmt.Sprintf("unknown frame type %q", f.Type))
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
