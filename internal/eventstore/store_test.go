package eventstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := eventstore.Open(path, kernel.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newEvent(workspaceID, eventType, subjectID string) kernel.NewEvent {
	ne := kernel.NewEvent{
		EventType:     eventType,
		SchemaVersion: 1,
		Actor:         kernel.Actor{Kind: "test", ID: "t"},
		WorkspaceID:   workspaceID,
		Subject:       kernel.Subject{Kind: "x", ID: subjectID},
		Payload:       json.RawMessage(`{}`),
	}
	if eventType == kernel.EventProjectCreated {
		// the projection rejects a project.created event without a project id
		ne.ProjectID = subjectID
	}
	return ne
}

func TestAppend_SeqGlobalMonotonic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	result, err := store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{
		newEvent("w1", "workspace.created", "w1"),
		newEvent("w1", "project.created", "p1"),
		newEvent("w1", "project.created", "p2"),
	})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)
	assert.Equal(t, int64(1), result.Events[0].SeqGlobal)
	assert.Equal(t, int64(2), result.Events[1].SeqGlobal)
	assert.Equal(t, int64(3), result.Events[2].SeqGlobal)

	head, err := store.HeadSeq(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestAppend_SeqStreamPerSubject(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	result, err := store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{
		newEvent("w1", "project.created", "p1"),
		newEvent("w1", "project.created", "p1"),
		newEvent("w1", "project.created", "p2"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Events[0].SeqStream)
	assert.Equal(t, int64(2), result.Events[1].SeqStream)
	assert.Equal(t, int64(1), result.Events[2].SeqStream)
}

func TestAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	meta := kernel.AppendMeta{IdempotencyKey: "ik1", CommandType: "workspace.create"}
	first, err := store.Append(ctx, meta, []kernel.NewEvent{newEvent("w1", "workspace.created", "w1")})
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := store.Append(ctx, meta, []kernel.NewEvent{newEvent("w1", "workspace.created", "w1")})
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Events[0].EventID, second.Events[0].EventID)
	assert.Equal(t, first.Events[0].SeqGlobal, second.Events[0].SeqGlobal)

	head, err := store.HeadSeq(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head, "second call must not append")
}

func TestAppend_Empty(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	result, err := store.Append(ctx, kernel.AppendMeta{}, nil)
	require.NoError(t, err)
	assert.False(t, result.Idempotent)
	assert.Empty(t, result.Events)
}

func TestReadFrom_AscendingAfterCursor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{
		newEvent("w1", "workspace.created", "w1"),
		newEvent("w1", "project.created", "p1"),
		newEvent("w1", "project.created", "p2"),
	})
	require.NoError(t, err)

	events, err := store.ReadFrom(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SeqGlobal)
	assert.Equal(t, int64(3), events[1].SeqGlobal)
}

func TestProjectionEquivalenceAfterRebuild(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	workspacePayload, _ := json.Marshal(kernel.WorkspaceCreatePayloadProjection{
		WorkspaceID: "w1", Name: "demo", RootPath: "./demo", CreatedAt: "2026-01-01T00:00:00.000Z",
	})
	ev := newEvent("w1", "workspace.created", "w1")
	ev.Payload = workspacePayload
	_, err := store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{ev})
	require.NoError(t, err)

	before, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, store.Rebuild(ctx))

	after, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
