package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"entitysync/server/internal/protocol"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTask(t *testing.T, store *SQLiteStore, value string) protocol.GetCommandResult {
	t.Helper()
	result, err := store.InsertAndGet(context.Background(), protocol.SingleInsertCommand{
		EntityName: "task",
		Value:      protocol.Entity(value),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return result
}

func decodeFields(t *testing.T, entity protocol.Entity) map[string]any {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal(entity, &fields); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	return fields
}

func TestInsertAndGet(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","title":"a"}`)
	if inserted.VersionID == "" {
		t.Fatalf("versionId should be set")
	}
	got, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VersionID != inserted.VersionID {
		t.Fatalf("versionId mismatch: %s vs %s", got.VersionID, inserted.VersionID)
	}
	if decodeFields(t, got.Entity)["title"] != "a" {
		t.Fatalf("unexpected entity: %s", got.Entity)
	}
}

func TestInsertAssignsID(t *testing.T) {
	store := newSQLiteStore(t)
	result, err := store.InsertOne(context.Background(), protocol.SingleInsertCommand{
		EntityName: "task",
		Value:      protocol.Entity(`{"title":"a"}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if result.ID == "" {
		t.Fatalf("id should be assigned")
	}
	if _, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: result.ID}); err != nil {
		t.Fatalf("get inserted: %v", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	store := newSQLiteStore(t)
	insertTask(t, store, `{"id":"1"}`)
	_, err := store.InsertOne(context.Background(), protocol.SingleInsertCommand{EntityName: "task", Value: protocol.Entity(`{"id":"1"}`)})
	if !protocol.IsType(err, protocol.ErrBadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "nope"})
	if !protocol.IsType(err, protocol.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdateByIDReportsTransition(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","title":"a"}`)
	result, err := store.UpdateByID(context.Background(), protocol.IDUpdateCommand{
		EntityName: "task",
		ID:         "1",
		Operation:  protocol.Operation(`[{"op":"replace","path":"/title","value":"b"}]`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.PrevVersionID != inserted.VersionID {
		t.Fatalf("prevVersionId: got %s want %s", result.PrevVersionID, inserted.VersionID)
	}
	if result.VersionID == "" || result.VersionID == inserted.VersionID {
		t.Fatalf("versionId should advance: %s", result.VersionID)
	}
}

func TestUpdateRejectedOperationKeepsEntity(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","title":"a"}`)
	_, err := store.UpdateByID(context.Background(), protocol.IDUpdateCommand{
		EntityName: "task",
		ID:         "1",
		Operation:  protocol.Operation(`[{"op":"remove","path":"/missing"}]`),
	})
	if !protocol.IsType(err, protocol.ErrBadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	got, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VersionID != inserted.VersionID {
		t.Fatalf("version changed after failed update")
	}
}

func TestUpdateMultiSkipsMissing(t *testing.T) {
	store := newSQLiteStore(t)
	insertTask(t, store, `{"id":"1","title":"a"}`)
	result, err := store.UpdateMulti(context.Background(), protocol.MultiUpdateCommand{
		EntityName: "task",
		IDs:        []string{"1", "2"},
		Operation:  protocol.Operation(`[{"op":"add","path":"/done","value":true}]`),
	})
	if err != nil {
		t.Fatalf("update multi: %v", err)
	}
	if result.N != 1 {
		t.Fatalf("n: got %d", result.N)
	}
	if _, ok := result.VersionsByID["2"]; ok {
		t.Fatalf("missing id should have no version")
	}
	if result.PrevVersionsByID["1"] == "" || result.VersionsByID["1"] == "" {
		t.Fatalf("id 1 should have a version pair: %+v", result)
	}
}

func TestFindWhere(t *testing.T) {
	store := newSQLiteStore(t)
	insertTask(t, store, `{"id":"1","owner":"u1"}`)
	insertTask(t, store, `{"id":"2","owner":"u2"}`)
	insertTask(t, store, `{"id":"3","owner":"u1"}`)

	result, err := store.Find(context.Background(), protocol.WhereQuery{EntityName: "task", Where: map[string]any{"owner": "u1"}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Fatalf("entities: got %d", len(result.Entities))
	}

	one, err := store.FindOne(context.Background(), protocol.WhereQuery{EntityName: "task", Where: map[string]any{"owner": "u1"}, Skip: 1})
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if decodeFields(t, one.Entity)["id"] != "3" {
		t.Fatalf("unexpected entity: %s", one.Entity)
	}
}

func TestPullReturnsMissedOperations(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","title":"a"}`)
	if _, err := store.UpdateByID(context.Background(), protocol.IDUpdateCommand{
		EntityName: "task",
		ID:         "1",
		Operation:  protocol.Operation(`[{"op":"replace","path":"/title","value":"b"}]`),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	pulled, err := store.Pull(context.Background(), protocol.PullQuery{EntityName: "task", ID: "1", VersionID: inserted.VersionID})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if pulled.Pulled != 1 || len(pulled.Operations) != 1 {
		t.Fatalf("unexpected pull: %+v", pulled)
	}

	unknown, err := store.Pull(context.Background(), protocol.PullQuery{EntityName: "task", ID: "1", VersionID: "unknown"})
	if err != nil {
		t.Fatalf("pull unknown: %v", err)
	}
	if unknown.Pulled != 0 || len(unknown.Entity) == 0 {
		t.Fatalf("unknown version should return entity: %+v", unknown)
	}
}

func TestPushRebasesOnCurrentVersion(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","title":"a"}`)
	serverUpdate, err := store.UpdateByID(context.Background(), protocol.IDUpdateCommand{
		EntityName: "task",
		ID:         "1",
		Operation:  protocol.Operation(`[{"op":"replace","path":"/title","value":"server"}]`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	result, err := store.Push(context.Background(), protocol.PushCommand{
		EntityName: "task",
		ID:         "1",
		VersionID:  inserted.VersionID,
		Operations: []protocol.Operation{protocol.Operation(`[{"op":"add","path":"/done","value":true}]`)},
		Tag:        "push-1",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if result.PrevVersionID != serverUpdate.VersionID {
		t.Fatalf("push should rebase on the current version")
	}
	if len(result.Operations) != 1 {
		t.Fatalf("missed operations: got %d", len(result.Operations))
	}
	fields := decodeFields(t, result.Entity)
	if fields["title"] != "server" || fields["done"] != true {
		t.Fatalf("unexpected entity: %v", fields)
	}
}

func TestPushDedupe(t *testing.T) {
	store := newSQLiteStore(t)
	inserted := insertTask(t, store, `{"id":"1","count":0}`)
	command := protocol.PushCommand{
		EntityName: "task",
		ID:         "1",
		VersionID:  inserted.VersionID,
		Operations: []protocol.Operation{protocol.Operation(`[{"op":"add","path":"/tags","value":["x"]}]`)},
		Tag:        "push-1",
	}
	first, err := store.Push(context.Background(), command)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	second, err := store.Push(context.Background(), command)
	if err != nil {
		t.Fatalf("repush: %v", err)
	}
	if second.N != 0 || second.VersionID != first.VersionID {
		t.Fatalf("replayed push should not apply again: %+v", second)
	}
	if second.PrevVersionID != "" {
		t.Fatalf("replayed push should not report a transition: %+v", second)
	}
	got, err := store.Get(context.Background(), protocol.IDQuery{EntityName: "task", ID: "1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VersionID != first.VersionID {
		t.Fatalf("version advanced on replay")
	}
}

func TestDelete(t *testing.T) {
	store := newSQLiteStore(t)
	insertTask(t, store, `{"id":"1"}`)
	result, err := store.Delete(context.Background(), protocol.DeleteCommand{EntityName: "task", ID: "1"})
	if err != nil || result.N != 1 {
		t.Fatalf("delete: n=%d err=%v", result.N, err)
	}
	result, err = store.Delete(context.Background(), protocol.DeleteCommand{EntityName: "task", ID: "1"})
	if err != nil || result.N != 0 {
		t.Fatalf("second delete: n=%d err=%v", result.N, err)
	}
}

func TestSessionPersistence(t *testing.T) {
	store := newSQLiteStore(t)
	expiredAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := store.PutSession(context.Background(), protocol.Session{ID: "s1", ExpiredAt: expiredAt, EntityName: "user", UserID: "u1"}); err != nil {
		t.Fatalf("put session: %v", err)
	}
	got, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != "u1" || !got.ExpiredAt.Equal(expiredAt) {
		t.Fatalf("unexpected session: %+v", got)
	}
	ok, err := store.DeleteSession(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("delete session: ok=%v err=%v", ok, err)
	}
	ok, err = store.DeleteSession(context.Background(), "s1")
	if err != nil || ok {
		t.Fatalf("delete missing session: ok=%v err=%v", ok, err)
	}
}

func TestSessionWithoutExpiry(t *testing.T) {
	store := newSQLiteStore(t)
	if err := store.PutSession(context.Background(), protocol.Session{ID: "s2", EntityName: "user", UserID: "u1"}); err != nil {
		t.Fatalf("put session: %v", err)
	}
	got, err := store.GetSession(context.Background(), "s2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.ExpiredAt.IsZero() {
		t.Fatalf("missing expiry should read back as zero: %v", got.ExpiredAt)
	}
	if got.Expired(time.Now()) {
		t.Fatalf("session without expiry should not be expired")
	}
}
