package subscription_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/subscription"
)

func TestSubscribe_CatchUpThenTail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"), kernel.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	hub := subscription.New(store, bus)

	mk := func(subjectID string) kernel.NewEvent {
		return kernel.NewEvent{
			EventType: "project.created", SchemaVersion: 1,
			Actor: kernel.Actor{Kind: "test", ID: "t"}, WorkspaceID: "w1", ProjectID: subjectID,
			Subject: kernel.Subject{Kind: "project", ID: subjectID}, Payload: json.RawMessage(`{}`),
		}
	}

	_, err = store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{mk("p1"), mk("p2")})
	require.NoError(t, err)

	events, unsub, err := hub.Subscribe(ctx, "w1", 0)
	require.NoError(t, err)
	defer unsub()

	var got []kernel.Event
	ev1 := <-events
	got = append(got, ev1)
	ev2 := <-events
	got = append(got, ev2)

	assert.Equal(t, int64(1), got[0].SeqGlobal)
	assert.Equal(t, int64(2), got[1].SeqGlobal)

	result, err := store.Append(ctx, kernel.AppendMeta{}, []kernel.NewEvent{mk("p3")})
	require.NoError(t, err)
	for _, e := range result.Events {
		bus.Publish(ctx, e)
	}

	select {
	case ev3 := <-events:
		assert.Equal(t, int64(3), ev3.SeqGlobal)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tailed event")
	}
}
