package pipeline_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/pipeline"
	"github.com/devguyrash/moduprompt/internal/schema"
)

func newTestPipeline(t *testing.T, opts ...pipeline.Option) (*pipeline.Pipeline, *eventstore.Store) {
	t.Helper()
	reg, err := schema.NewRegistry()
	require.NoError(t, err)
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"), kernel.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New()
	return pipeline.New(store, reg, bus, opts...), store
}

var testActor = kernel.Actor{Kind: "test", ID: "t"}

func TestSubmit_S1_CreateWorkspace(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	envelope := kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}
	resp, err := p.Submit(ctx, envelope, testActor)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, kernel.EventWorkspaceCreated, resp.Events[0].EventType)
	assert.Equal(t, int64(1), resp.Events[0].SeqGlobal)
	assert.Equal(t, "workspace", resp.Events[0].Subject.Kind)
}

func TestSubmit_S2_IdempotentRetry(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	envelope := kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}
	first, err := p.Submit(ctx, envelope, testActor)
	require.NoError(t, err)

	second, err := p.Submit(ctx, envelope, testActor)
	require.NoError(t, err)
	require.True(t, second.Accepted)
	assert.Equal(t, first.Events[0].EventID, second.Events[0].EventID)
	assert.Equal(t, first.Events[0].SeqGlobal, second.Events[0].SeqGlobal)

	head, err := store.HeadSeq(ctx, first.Events[0].WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestSubmit_S3_ExpectedVersionMismatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	wsResp, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}, testActor)
	require.NoError(t, err)
	workspaceID := wsResp.Events[0].WorkspaceID

	mismatch := int64(999)
	resp, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:     kernel.CmdProjectCreate,
		SchemaVersion:   1,
		Payload:         json.RawMessage(`{"workspace_id":"` + workspaceID + `","name":"core"}`),
		IdempotencyKey:  "ik_2",
		ExpectedVersion: &mismatch,
	}, testActor)
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.NotNil(t, resp.Rejection)
	assert.Equal(t, kernel.CodeExpectedVersionMismatch, resp.Rejection.Code)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, kernel.EventCommandRejected, resp.Events[0].EventType)
	assert.Equal(t, int64(2), resp.Events[0].SeqGlobal)
}

func TestSubmit_S4_OrderingAcrossStreams(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	wsResp, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}, testActor)
	require.NoError(t, err)
	workspaceID := wsResp.Events[0].WorkspaceID

	p1, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:    kernel.CmdProjectCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"workspace_id":"` + workspaceID + `","name":"core"}`),
		IdempotencyKey: "ik_2",
	}, testActor)
	require.NoError(t, err)

	p2, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:    kernel.CmdProjectCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"workspace_id":"` + workspaceID + `","name":"utils"}`),
		IdempotencyKey: "ik_3",
	}, testActor)
	require.NoError(t, err)

	assert.Equal(t, int64(2), p1.Events[0].SeqGlobal)
	assert.Equal(t, int64(3), p2.Events[0].SeqGlobal)
	assert.Equal(t, int64(1), p1.Events[0].SeqStream)
	assert.Equal(t, int64(1), p2.Events[0].SeqStream)
}

func TestSubmit_SafeMode_NoWriteNoRejection(t *testing.T) {
	p, store := newTestPipeline(t, pipeline.WithSafeMode(true))
	ctx := context.Background()

	resp, err := p.Submit(ctx, kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo"}`),
		IdempotencyKey: "ik_1",
	}, testActor)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, kernel.CodeSafeMode, resp.Rejection.Code)
	assert.Empty(t, resp.Events)

	rows, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubmit_UnknownCommand(t *testing.T) {
	p, _ := newTestPipeline(t)
	resp, err := p.Submit(context.Background(), kernel.CommandEnvelope{
		CommandType:   "bogus.command",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{}`),
	}, testActor)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, kernel.CodeUnknownCommand, resp.Rejection.Code)
}

func TestSubmit_SchemaStrictness_RejectsUnknownField(t *testing.T) {
	p, _ := newTestPipeline(t)
	resp, err := p.Submit(context.Background(), kernel.CommandEnvelope{
		CommandType:    kernel.CmdWorkspaceCreate,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"name":"demo","path":"./demo","bogus":true}`),
		IdempotencyKey: "ik_1",
	}, testActor)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, kernel.CodeInvalidSchema, resp.Rejection.Code)
}

func TestSubmit_RequiresIdempotencyKey(t *testing.T) {
	p, _ := newTestPipeline(t)
	resp, err := p.Submit(context.Background(), kernel.CommandEnvelope{
		CommandType:   kernel.CmdWorkspaceCreate,
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"name":"demo","path":"./demo"}`),
	}, testActor)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, kernel.CodeIdempotencyKeyRequired, resp.Rejection.Code)
}
