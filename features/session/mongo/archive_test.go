package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/session"
)

type (
	fakeCollection struct {
		updates      []fakeUpdate
		indexCreated int
		err          error
	}

	fakeUpdate struct {
		filter any
		update any
	}
)

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, fakeUpdate{filter: filter, update: update})
	return &mongodriver.UpdateResult{}, nil
}

func (f *fakeCollection) Indexes() indexView { return f }

func (f *fakeCollection) CreateOne(_ context.Context, _ mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	f.indexCreated++
	return "", f.err
}

func newTestArchive() (*Archive, *fakeCollection, *fakeCollection) {
	sessions := &fakeCollection{}
	messages := &fakeCollection{}
	return &Archive{sessions: sessions, messages: messages, timeout: time.Second}, sessions, messages
}

func TestEnsureIndexes(t *testing.T) {
	sessions := &fakeCollection{}
	messages := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), sessions, messages))
	assert.Equal(t, 1, sessions.indexCreated)
	assert.Equal(t, 2, messages.indexCreated)
}

func TestHandleMessageCreated(t *testing.T) {
	a, sessions, messages := newTestArchive()
	ev := events.NewMessageCreated("sess-1", "msg-1", "user")

	require.NoError(t, a.handle(context.Background(), ev))

	require.Len(t, messages.updates, 1)
	assert.Equal(t, bson.M{"message_id": "msg-1"}, messages.updates[0].filter)
	insert := messages.updates[0].update.(bson.M)["$setOnInsert"].(bson.M)
	assert.Equal(t, "sess-1", insert["session_id"])
	assert.Equal(t, "user", insert["role"])

	require.Len(t, sessions.updates, 1)
	set := sessions.updates[0].update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "active", set["status"])
}

func TestHandlePartUpdatedStoresSnapshot(t *testing.T) {
	a, _, messages := newTestArchive()
	part := &session.Part{
		ID:        "prt-1",
		MessageID: "msg-1",
		SessionID: "sess-1",
		Kind:      session.KindTool,
		Tool:      "read_file",
		CallID:    "call-1",
		State: &session.ToolState{
			Status: session.StatusCompleted,
			Input:  []byte(`{"path":"main.go"}`),
			Output: "package main",
		},
		Time: &session.ToolTime{Start: 100, End: 200},
	}
	ev := events.NewPartUpdated("sess-1", "msg-1", part)

	require.NoError(t, a.handle(context.Background(), ev))

	require.Len(t, messages.updates, 1)
	set := messages.updates[0].update.(bson.M)["$set"].(bson.M)
	doc := set["parts.prt-1"].(partDocument)
	assert.Equal(t, "tool", doc.Kind)
	assert.Equal(t, "completed", doc.Status)
	assert.Equal(t, `{"path":"main.go"}`, doc.Input)
	assert.Equal(t, int64(100), doc.StartedAt)
	assert.Equal(t, int64(200), doc.EndedAt)
}

func TestHandleSessionLifecycle(t *testing.T) {
	a, sessions, _ := newTestArchive()

	require.NoError(t, a.handle(context.Background(), events.NewSessionIdle("sess-1")))
	require.NoError(t, a.handle(context.Background(),
		events.NewSessionError("sess-1", errors.New("boom"))))

	require.Len(t, sessions.updates, 2)
	idle := sessions.updates[0].update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "idle", idle["status"])
	failed := sessions.updates[1].update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "error", failed["status"])
	assert.Equal(t, "boom", failed["last_error"])
}

func TestHandleIgnoresDiagnostics(t *testing.T) {
	a, sessions, messages := newTestArchive()
	require.NoError(t, a.handle(context.Background(),
		events.NewDiagnostic("sess-1", "sse.frame_skipped", "skipped", nil)))
	assert.Empty(t, sessions.updates)
	assert.Empty(t, messages.updates)
}

func TestRunDrainsUntilChannelCloses(t *testing.T) {
	a, sessions, _ := newTestArchive()
	ch := make(chan events.Event, 2)
	ch <- events.NewSessionIdle("sess-1")
	ch <- events.NewSessionIdle("sess-2")
	close(ch)

	a.Run(context.Background(), ch)
	assert.Len(t, sessions.updates, 2)
}
