package replica

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"entitysync/server/internal/pipeline"
	"entitysync/server/internal/protocol"
	"entitysync/server/internal/storage"

	"github.com/go-playground/assert/v2"
)

type flakyTransport struct {
	next Transport
	// refuse fails without delivering the request; lose delivers it and
	// drops the answer.
	refuse bool
	lose   bool
	calls  int
}

func (f *flakyTransport) HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
	f.calls++
	if f.refuse {
		return protocol.ResponseData{}, errors.New("connection refused")
	}
	res, err := f.next.HandleRequestData(ctx, req)
	if f.lose {
		return protocol.ResponseData{}, errors.New("connection reset")
	}
	return res, err
}

type forwardingPublisher struct {
	to *Syncer
}

func (f *forwardingPublisher) PublishVersionDiff(ctx context.Context, diff protocol.VersionDiff) {
	if f.to != nil {
		_ = f.to.ApplyVersionDiff(ctx, diff)
	}
}

func newBackend(t *testing.T, defs pipeline.Definitions, publisher pipeline.Publisher) (*pipeline.Pipeline, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if defs.NonUsers == nil {
		defs.NonUsers = map[string]pipeline.EntityDefinition{"task": {}}
	}
	p, err := pipeline.New(pipeline.Config{Client: store, Definitions: defs, Publisher: publisher})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Wait)
	if _, err := store.InsertOne(context.Background(), protocol.SingleInsertCommand{
		EntityName: "task",
		Value:      protocol.Entity(`{"id":"1","title":"a","tags":[]}`),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return p, store
}

func serverTask(t *testing.T, store *storage.SQLiteStore) map[string]any {
	t.Helper()
	got, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return fields(t, got.Entity)
}

func pulled(t *testing.T, transport Transport) *Syncer {
	t.Helper()
	syncer := NewSyncer(transport, Initial())
	if err := syncer.Dispatch(context.Background(), NewPull("task", "1")); err != nil {
		t.Fatalf("pull: %v", err)
	}
	return syncer
}

func TestSyncerPushRoundTrip(t *testing.T) {
	p, store := newBackend(t, pipeline.Definitions{}, nil)
	syncer := pulled(t, p.DirectClient())

	before, ok := syncer.State().Entity("task", "1")
	assert.Equal(t, ok, true)

	if err := syncer.Dispatch(context.Background(), NewCommitAndPush("task", "1", setTitle("b"))); err != nil {
		t.Fatalf("commit and push: %v", err)
	}
	s := syncer.State()
	assert.Equal(t, len(s.UnreachedCommits), 0)
	assert.Equal(t, len(s.Network.Requests), 0)
	entity, _ := s.Entity("task", "1")
	assert.NotEqual(t, entity.VersionID, before.VersionID)
	assert.Equal(t, fields(t, entity.Head)["title"], "b")
	assert.Equal(t, serverTask(t, store)["title"], "b")
}

func TestSyncerOfflineKeepsRequestsUntilOnline(t *testing.T) {
	p, store := newBackend(t, pipeline.Definitions{}, nil)
	transport := &flakyTransport{next: p.DirectClient()}
	syncer := pulled(t, transport)

	transport.refuse = true
	if err := syncer.Dispatch(context.Background(), NewCommitAndPush("task", "1", setTitle("b"))); err == nil {
		t.Fatalf("expected transport error")
	}
	s := syncer.State()
	assert.Equal(t, s.Network.IsOnline, false)
	assert.Equal(t, len(s.Network.Requests), 1)
	assert.Equal(t, len(s.UnreachedCommits), 1)
	assert.Equal(t, serverTask(t, store)["title"], "a")

	// offline: a further commit queues without sending
	calls := transport.calls
	if err := syncer.Dispatch(context.Background(), NewCommit("task", "1", protocol.Operation(`[{"op":"add","path":"/done","value":true}]`))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, transport.calls, calls)

	transport.refuse = false
	if err := syncer.Dispatch(context.Background(), NewOnline()); err != nil {
		t.Fatalf("online: %v", err)
	}
	s = syncer.State()
	assert.Equal(t, len(s.Network.Requests), 0)
	assert.Equal(t, len(s.UnreachedCommits), 0)
	task := serverTask(t, store)
	assert.Equal(t, task["title"], "b")
	assert.Equal(t, task["done"], true)
}

func TestSyncerLostAnswerIsNotAppliedTwice(t *testing.T) {
	p, store := newBackend(t, pipeline.Definitions{}, nil)
	transport := &flakyTransport{next: p.DirectClient()}
	syncer := pulled(t, transport)

	transport.lose = true
	appendTag := protocol.Operation(`[{"op":"add","path":"/tags/-","value":"x"}]`)
	if err := syncer.Dispatch(context.Background(), NewCommitAndPush("task", "1", appendTag)); err == nil {
		t.Fatalf("expected transport error")
	}
	assert.Equal(t, len(syncer.State().Network.Requests), 1)

	transport.lose = false
	if err := syncer.Dispatch(context.Background(), NewOnline()); err != nil {
		t.Fatalf("online: %v", err)
	}

	tags, _ := serverTask(t, store)["tags"].([]any)
	assert.Equal(t, len(tags), 1)
	s := syncer.State()
	assert.Equal(t, len(s.UnreachedCommits), 0)
	entity, _ := s.Entity("task", "1")
	localTags, _ := fields(t, entity.Head)["tags"].([]any)
	assert.Equal(t, len(localTags), 1)
}

func TestSyncerServerRejectionKeepsCommits(t *testing.T) {
	denyPush := pipeline.AuthorizerFunc(func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error) {
		return req.Method != protocol.MethodPush, nil
	})
	p, _ := newBackend(t, pipeline.Definitions{NonUsers: map[string]pipeline.EntityDefinition{"task": {Authorization: denyPush}}}, nil)
	syncer := pulled(t, p.DirectClient())

	action := NewCommitAndPush("task", "1", setTitle("b"))
	err := syncer.Dispatch(context.Background(), action)
	if !protocol.IsType(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	s := syncer.State()
	assert.Equal(t, s.Network.IsOnline, true)
	assert.Equal(t, len(s.Network.Requests), 0)
	assert.Equal(t, len(s.UnreachedCommits), 1)
	assert.Equal(t, s.Error.ActionTag, action.Tag)
}

func TestSyncerPullRebasesLocalCommits(t *testing.T) {
	p, store := newBackend(t, pipeline.Definitions{}, nil)
	syncer := pulled(t, p.DirectClient())

	if err := syncer.Dispatch(context.Background(), NewCommit("task", "1", protocol.Operation(`[{"op":"add","path":"/done","value":true}]`))); err != nil {
		t.Fatalf("commit: %v", err)
	}
	updated, err := store.UpdateByID(context.Background(), protocol.IDUpdateCommand{EntityName: "task", ID: "1", Operation: setTitle("remote")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := syncer.Dispatch(context.Background(), NewPull("task", "1")); err != nil {
		t.Fatalf("pull: %v", err)
	}

	s := syncer.State()
	entity, _ := s.Entity("task", "1")
	assert.Equal(t, entity.VersionID, updated.VersionID)
	assert.Equal(t, fields(t, entity.Origin)["title"], "remote")
	head := fields(t, entity.Head)
	assert.Equal(t, head["title"], "remote")
	assert.Equal(t, head["done"], true)
	assert.Equal(t, len(s.UnreachedCommits), 1)
}

func TestSyncerFollowsBroadcastDiffs(t *testing.T) {
	publisher := &forwardingPublisher{}
	p, _ := newBackend(t, pipeline.Definitions{}, publisher)
	writer := pulled(t, p.DirectClient())
	reader := pulled(t, p.DirectClient())
	publisher.to = reader

	if err := writer.Dispatch(context.Background(), NewCommitAndPush("task", "1", setTitle("b"))); err != nil {
		t.Fatalf("push: %v", err)
	}
	written, _ := writer.State().Entity("task", "1")
	read, _ := reader.State().Entity("task", "1")
	assert.Equal(t, read.VersionID, written.VersionID)
	assert.Equal(t, fields(t, read.Head)["title"], "b")
}

func TestSyncerLoginLogout(t *testing.T) {
	users := map[string]pipeline.UserDefinition{"user": {
		Authentication: pipeline.AuthenticatorFunc(func(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.AuthenticationResult, error) {
			return protocol.AuthenticationResult{
				PreSession: protocol.PreSession{UserID: "u1", ExpiredAt: time.Now().Add(time.Hour)},
				User:       protocol.Entity(`{"id":"u1"}`),
			}, nil
		}),
	}}
	p, store := newBackend(t, pipeline.Definitions{Users: users}, nil)
	syncer := NewSyncer(p.DirectClient(), Initial())

	if err := syncer.Dispatch(context.Background(), NewLogin("user", json.RawMessage(`{"u":"a","p":"b"}`))); err != nil {
		t.Fatalf("login: %v", err)
	}
	session := syncer.State().Session
	if session == nil || session.ID == "" {
		t.Fatalf("session should be set")
	}
	if _, err := store.GetSession(context.Background(), session.ID); err != nil {
		t.Fatalf("session should be stored: %v", err)
	}

	if err := syncer.Dispatch(context.Background(), NewLogout()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if syncer.State().Session != nil {
		t.Fatalf("session should be unset")
	}
	if _, err := store.GetSession(context.Background(), session.ID); !protocol.IsType(err, protocol.ErrNotFound) {
		t.Fatalf("session should be deleted, got %v", err)
	}
}

func TestSyncerDeleteUnfollows(t *testing.T) {
	p, store := newBackend(t, pipeline.Definitions{}, nil)
	syncer := pulled(t, p.DirectClient())
	if err := syncer.Dispatch(context.Background(), NewCommit("task", "1", setTitle("b"))); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := syncer.Dispatch(context.Background(), NewDelete("task", "1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s := syncer.State()
	_, ok := s.Entity("task", "1")
	assert.Equal(t, ok, false)
	assert.Equal(t, len(s.UnreachedCommits), 0)
	_, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "1"})
	if !protocol.IsType(err, protocol.ErrNotFound) {
		t.Fatalf("expected task to be gone, got %v", err)
	}
}

func TestSyncerDeleteRefusedKeepsEntity(t *testing.T) {
	denyDelete := pipeline.AuthorizerFunc(func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error) {
		return req.Method != protocol.MethodDelete, nil
	})
	p, _ := newBackend(t, pipeline.Definitions{NonUsers: map[string]pipeline.EntityDefinition{"task": {Authorization: denyDelete}}}, nil)
	syncer := pulled(t, p.DirectClient())

	action := NewDelete("task", "1")
	if err := syncer.Dispatch(context.Background(), action); !protocol.IsType(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	s := syncer.State()
	_, ok := s.Entity("task", "1")
	assert.Equal(t, ok, true)
	assert.Equal(t, s.Error.ActionTag, action.Tag)
}

func TestSyncerUseEntities(t *testing.T) {
	p, _ := newBackend(t, pipeline.Definitions{}, nil)
	syncer := NewSyncer(p.DirectClient(), Initial())
	if err := syncer.Dispatch(context.Background(), NewUseEntities("task")); err != nil {
		t.Fatalf("use entities: %v", err)
	}
	byID, ok := syncer.State().Entities["task"]
	assert.Equal(t, ok, true)
	assert.Equal(t, len(byID), 0)
}
