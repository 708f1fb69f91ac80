// Package mongo archives session activity to MongoDB. The archive subscribes
// to the event bus and mirrors session metadata and message parts into two
// collections. It is an optional sink: archiving failures are logged and
// skipped, they never affect the session engine.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/session"
)

type (
	// Archive mirrors bus events into MongoDB.
	Archive struct {
		sessions collection
		messages collection
		timeout  time.Duration
	}

	// Options configures the archive.
	Options struct {
		// Client is the connected Mongo client.
		Client *mongodriver.Client
		// Database is the database name.
		Database string
		// SessionsCollection and MessagesCollection override the default
		// collection names.
		SessionsCollection string
		MessagesCollection string
		// Timeout bounds each archive write.
		Timeout time.Duration
	}

	// collection narrows the driver surface the archive uses so tests can
	// substitute fakes.
	collection interface {
		UpdateOne(ctx context.Context, filter, update any,
			opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
		Indexes() indexView
	}

	indexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel,
			opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoIndexView struct {
		view mongodriver.IndexView
	}

	// partDocument is the bson shape of an archived part snapshot.
	partDocument struct {
		ID     string `bson:"part_id"`
		Kind   string `bson:"kind"`
		Text   string `bson:"text,omitempty"`
		Done   bool   `bson:"done,omitempty"`
		Tool   string `bson:"tool,omitempty"`
		CallID string `bson:"call_id,omitempty"`

		Status string `bson:"status,omitempty"`
		Input  string `bson:"input,omitempty"`
		Title  string `bson:"title,omitempty"`
		Output string `bson:"output,omitempty"`
		Error  string `bson:"error,omitempty"`

		StartedAt int64 `bson:"started_at,omitempty"`
		EndedAt   int64 `bson:"ended_at,omitempty"`

		FinishReason string `bson:"finish_reason,omitempty"`
		RawReason    string `bson:"raw_reason,omitempty"`
	}
)

const (
	defaultSessionsCollection = "agent_sessions"
	defaultMessagesCollection = "agent_messages"
	defaultOpTimeout          = 5 * time.Second
)

// New constructs an Archive and ensures its indexes.
func New(opts Options) (*Archive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsName := opts.SessionsCollection
	if sessionsName == "" {
		sessionsName = defaultSessionsCollection
	}
	messagesName := opts.MessagesCollection
	if messagesName == "" {
		messagesName = defaultMessagesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	a := &Archive{
		sessions: mongoCollection{coll: db.Collection(sessionsName)},
		messages: mongoCollection{coll: db.Collection(messagesName)},
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, a.sessions, a.messages); err != nil {
		return nil, err
	}
	return a, nil
}

// Run consumes bus events until the channel closes or ctx is canceled. Call
// it on its own goroutine with a channel obtained from Bus.Subscribe.
func (a *Archive) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := a.handle(ctx, ev); err != nil {
				log.Error(ctx, err, log.KV{K: "event", V: string(ev.Type())},
					log.KV{K: "session", V: ev.SessionID()})
			}
		}
	}
}

// handle archives one event. Diagnostics and overflow notices are not
// persisted.
func (a *Archive) handle(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	switch ev := ev.(type) {
	case *events.MessageCreatedEvent:
		if err := a.upsertMessage(ctx, ev); err != nil {
			return err
		}
		return a.touchSession(ctx, ev.SessionID(), ev.Timestamp(), "active", "")
	case *events.PartUpdatedEvent:
		part, ok := ev.Part.(*session.Part)
		if !ok || part == nil {
			return nil
		}
		return a.upsertPart(ctx, ev, part)
	case *events.SessionIdleEvent:
		return a.touchSession(ctx, ev.SessionID(), ev.Timestamp(), "idle", "")
	case *events.SessionErrorEvent:
		return a.touchSession(ctx, ev.SessionID(), ev.Timestamp(), "error", ev.Err.Error())
	}
	return nil
}

func (a *Archive) touchSession(ctx context.Context, sessionID string, ts int64, status, lastError string) error {
	if sessionID == "" {
		return nil
	}
	set := bson.M{
		"status":     status,
		"updated_at": time.UnixMilli(ts).UTC(),
	}
	if lastError != "" {
		set["last_error"] = lastError
	}
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"session_id": sessionID,
			"created_at": time.UnixMilli(ts).UTC(),
		},
	}
	_, err := a.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (a *Archive) upsertMessage(ctx context.Context, ev *events.MessageCreatedEvent) error {
	filter := bson.M{"message_id": ev.MessageID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"message_id": ev.MessageID,
			"session_id": ev.SessionID(),
			"role":       ev.Role,
			"created_at": time.UnixMilli(ev.Timestamp()).UTC(),
		},
		"$set": bson.M{
			"updated_at": time.UnixMilli(ev.Timestamp()).UTC(),
		},
	}
	_, err := a.messages.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// upsertPart stores the latest snapshot of a part under its message document.
// Parts are keyed by id so repeated updates overwrite in place.
func (a *Archive) upsertPart(ctx context.Context, ev *events.PartUpdatedEvent, part *session.Part) error {
	filter := bson.M{"message_id": ev.MessageID}
	update := bson.M{
		"$set": bson.M{
			"parts." + part.ID: fromPart(part),
			"updated_at":       time.UnixMilli(ev.Timestamp()).UTC(),
		},
		"$setOnInsert": bson.M{
			"message_id": ev.MessageID,
			"session_id": ev.SessionID(),
			"created_at": time.UnixMilli(ev.Timestamp()).UTC(),
		},
	}
	_, err := a.messages.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func fromPart(part *session.Part) partDocument {
	doc := partDocument{
		ID:     part.ID,
		Kind:   string(part.Kind),
		Text:   part.Text,
		Done:   part.Done,
		Tool:   part.Tool,
		CallID: part.CallID,
	}
	if part.State != nil {
		doc.Status = string(part.State.Status)
		doc.Input = string(part.State.Input)
		doc.Title = part.State.Title
		doc.Output = part.State.Output
		doc.Error = part.State.Error
	}
	if part.Time != nil {
		doc.StartedAt = part.Time.Start
		doc.EndedAt = part.Time.End
	}
	if part.Finish != nil {
		doc.FinishReason = string(part.Finish.Reason)
		doc.RawReason = part.Finish.RawReason
	}
	return doc
}

func ensureIndexes(ctx context.Context, sessionsColl, messagesColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	messageIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return err
	}
	messageSessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	_, err := messagesColl.Indexes().CreateOne(ctx, messageSessionIndex)
	return err
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
