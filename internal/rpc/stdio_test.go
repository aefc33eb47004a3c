package rpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/pipeline"
	"github.com/devguyrash/moduprompt/internal/rpc"
	"github.com/devguyrash/moduprompt/internal/schema"
	"github.com/devguyrash/moduprompt/internal/subscription"
)

type pipeReadWriteCloser struct {
	io.Reader
	io.Writer
}

// Close closes the write side, so a peer blocked reading sees io.EOF
// instead of hanging forever (io.Pipe reads do not observe context
// cancellation on their own).
func (p pipeReadWriteCloser) Close() error {
	if c, ok := p.Writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newTestStdioServer(t *testing.T) (*rpc.StdioServer, io.ReadWriteCloser, io.ReadWriteCloser) {
	t.Helper()
	reg, err := schema.NewRegistry()
	require.NoError(t, err)
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"), kernel.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New()
	hub := subscription.New(store, bus)
	pl := pipeline.New(store, reg, bus)
	server := rpc.NewStdioServer(pl, store, hub, rpc.AuthToken, testToken)

	clientReadEnd, serverWriteEnd := io.Pipe()
	serverReadEnd, clientWriteEnd := io.Pipe()

	serverConn := pipeReadWriteCloser{Reader: serverReadEnd, Writer: serverWriteEnd}
	clientConn := pipeReadWriteCloser{Reader: clientReadEnd, Writer: clientWriteEnd}
	return server, serverConn, clientConn
}

func TestStdioServer_S6_RequiresAuthBeforeCommands(t *testing.T) {
	server, serverConn, clientConn := newTestStdioServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = server.Serve(ctx, serverConn)
		close(done)
	}()

	reader := bufio.NewReader(clientConn)
	writeLine := func(v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		_, err = clientConn.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	readFrame := func() rpc.Frame {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var f rpc.Frame
		require.NoError(t, json.Unmarshal(line, &f))
		return f
	}

	writeLine(rpc.Frame{RequestID: "1", Type: "command.submit", SchemaVersion: 1, Payload: json.RawMessage(`{}`)})
	resp := readFrame()
	assert.Equal(t, "error", resp.Type)

	writeLine(rpc.Frame{RequestID: "2", Type: "auth", SchemaVersion: 1, Payload: json.RawMessage(`{"token":"` + testToken + `"}`)})
	resp = readFrame()
	assert.Equal(t, "auth.response", resp.Type)
	var authStatus struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &authStatus))
	assert.Equal(t, "ok", authStatus.Status)

	envelope := kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}
	payload, _ := json.Marshal(envelope)
	writeLine(rpc.Frame{RequestID: "3", Type: "command.submit", SchemaVersion: 1, Payload: payload})
	resp = readFrame()
	assert.Equal(t, "command.response", resp.Type)

	var submitResp kernel.SubmitResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &submitResp))
	assert.True(t, submitResp.Accepted)

	clientConn.Close()
	cancel()
	<-done
}

func TestStdioServer_DeniesWrongToken(t *testing.T) {
	server, serverConn, clientConn := newTestStdioServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = server.Serve(ctx, serverConn)
		close(done)
	}()

	reader := bufio.NewReader(clientConn)
	data, _ := json.Marshal(rpc.Frame{RequestID: "1", Type: "auth", SchemaVersion: 1, Payload: json.RawMessage(`{"token":"wrong"}`)})
	_, err := clientConn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var f rpc.Frame
	require.NoError(t, json.Unmarshal(line, &f))
	assert.Equal(t, "auth.response", f.Type)
	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &status))
	assert.Equal(t, "denied", status.Status)

	clientConn.Close()
	cancel()
	<-done
}
