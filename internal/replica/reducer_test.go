package replica

import (
	"encoding/json"
	"testing"

	"entitysync/server/internal/protocol"

	"github.com/go-playground/assert/v2"
)

func fields(t *testing.T, entity protocol.Entity) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(entity, &out); err != nil {
		t.Fatalf("decode entity %s: %v", entity, err)
	}
	return out
}

func followed(entities ...string) State {
	s := Initial()
	for _, id := range entities {
		s = Reduce(s, NewFollow("task", id, protocol.Entity(`{"id":"`+id+`","title":"a"}`), "v-"+id))
	}
	return s
}

func setTitle(title string) protocol.Operation {
	return protocol.Operation(`[{"op":"replace","path":"/title","value":"` + title + `"}]`)
}

func TestInitialState(t *testing.T) {
	s := Initial()
	assert.Equal(t, len(s.Entities), 0)
	assert.Equal(t, len(s.UnreachedCommits), 0)
	assert.Equal(t, len(s.Network.Requests), 0)
	assert.Equal(t, s.Network.IsOnline, true)
}

func TestResetIsIdempotent(t *testing.T) {
	s := Reduce(followed("1"), NewCommit("task", "1", setTitle("b")))
	once := Reduce(s, NewReset())
	twice := Reduce(once, NewReset())

	assert.Equal(t, once.isInitial(), true)
	assert.Equal(t, twice.Version, once.Version)
	assert.Equal(t, twice, once)
}

func TestReduceDoesNotModifyInput(t *testing.T) {
	s := followed("1")
	before := s.clone()
	next := Reduce(s, NewCommit("task", "1", setTitle("b")))

	assert.Equal(t, s, before)
	assert.Equal(t, len(next.UnreachedCommits), 1)
	assert.Equal(t, fields(t, s.Entities["task"]["1"].Head)["title"], "a")
}

func TestUnknownActionLeavesStateUnchanged(t *testing.T) {
	type custom struct{ Meta }
	s := followed("1")
	next := Reduce(s, custom{Meta: newMeta()})
	assert.Equal(t, next.Version, s.Version)
	assert.Equal(t, next, s)
}

func TestCommitAppliesToHeadOnly(t *testing.T) {
	s := Reduce(followed("1"), NewCommit("task", "1", setTitle("b")))

	entity, _ := s.Entity("task", "1")
	assert.Equal(t, fields(t, entity.Head)["title"], "b")
	assert.Equal(t, fields(t, entity.Origin)["title"], "a")
	assert.Equal(t, entity.VersionID, "v-1")
	assert.Equal(t, s.UnreachedCommits[0].CommitID, uint64(1))
	assert.Equal(t, s.NextCommitID, uint64(2))
}

func TestCommitRejectedOperationIsNotQueued(t *testing.T) {
	action := NewCommit("task", "1", protocol.Operation(`[{"op":"remove","path":"/missing"}]`))
	s := Reduce(followed("1"), action)

	assert.Equal(t, len(s.UnreachedCommits), 0)
	if s.Error == nil {
		t.Fatalf("expected error marker")
	}
	assert.Equal(t, s.Error.ActionTag, action.Tag)
	assert.Equal(t, s.Error.At, protocol.AtLocal)

	resolved := Reduce(s, NewResolveError())
	if resolved.Error != nil {
		t.Fatalf("error should be resolved")
	}
	assert.Equal(t, len(resolved.Entities), len(s.Entities))
}

func TestCommitUnfollowedEntity(t *testing.T) {
	s := Reduce(Initial(), NewCommit("task", "nope", setTitle("b")))
	assert.Equal(t, len(s.UnreachedCommits), 0)
	if s.Error == nil || s.Error.Type != protocol.ErrNotFound {
		t.Fatalf("expected NotFound marker, got %+v", s.Error)
	}
}

func TestCommitThenFollowKeepsOtherEntities(t *testing.T) {
	s := followed("1", "2")
	s = Reduce(s, NewCommit("task", "2", setTitle("other")))
	s = Reduce(s, NewCommit("task", "1", setTitle("b")))
	s = Reduce(s, NewFollow("task", "1", protocol.Entity(`{"id":"1","title":"b"}`), "v-1b"))

	assert.Equal(t, len(s.CommitsOf("task", "1")), 0)
	assert.Equal(t, len(s.CommitsOf("task", "2")), 1)
	entity, _ := s.Entity("task", "1")
	assert.Equal(t, entity.VersionID, "v-1b")
	assert.Equal(t, fields(t, entity.Head)["title"], "b")
	other, _ := s.Entity("task", "2")
	assert.Equal(t, fields(t, other.Head)["title"], "other")
}

func TestPushCoversCommitsUntil(t *testing.T) {
	s := followed("1")
	s = Reduce(s, NewCommit("task", "1", setTitle("b")))
	s = Reduce(s, NewCommit("task", "1", setTitle("c")))
	push := NewPush("task", "1", 1)
	s = Reduce(s, push)

	req, ok := s.Request(push.Tag)
	assert.Equal(t, ok, true)
	assert.Equal(t, req.Until, uint64(1))
	assert.Equal(t, len(s.PushOperations(req)), 1)

	// the answer confirms commit 1 only; commit 2 is replayed on the new origin
	s = Reduce(s, NewFollow("task", "1", protocol.Entity(`{"id":"1","title":"b"}`), "v-1b"))
	assert.Equal(t, len(s.Network.Requests), 0)
	commits := s.CommitsOf("task", "1")
	assert.Equal(t, len(commits), 1)
	assert.Equal(t, commits[0].CommitID, uint64(2))
	entity, _ := s.Entity("task", "1")
	assert.Equal(t, fields(t, entity.Head)["title"], "c")
}

func TestPushAll(t *testing.T) {
	s := followed("1")
	s = Reduce(s, NewCommit("task", "1", setTitle("b")))
	s = Reduce(s, NewCommit("task", "1", setTitle("c")))
	s = Reduce(s, NewPush("task", "1", AllCommits))

	assert.Equal(t, len(s.Network.Requests), 1)
	assert.Equal(t, s.Network.Requests[0].Until, uint64(2))
}

func TestPushWithoutCommitsChangesNothing(t *testing.T) {
	s := followed("1")
	next := Reduce(s, NewPush("task", "1", AllCommits))
	assert.Equal(t, next.Version, s.Version)
}

func TestRepushKeepsOrder(t *testing.T) {
	s := followed("1", "2")
	s = Reduce(s, NewCommitAndPush("task", "2", setTitle("x")))
	s = Reduce(s, NewCommitAndPush("task", "1", setTitle("y")))
	s = Reduce(s, NewRepush())
	s = Reduce(s, NewRepush())

	assert.Equal(t, len(s.Network.Requests), 2)
	assert.Equal(t, s.Network.Requests[0].ID, "2")
	assert.Equal(t, s.Network.Requests[1].ID, "1")
	assert.Equal(t, s.Network.Requests[0].Attempts, 2)
	assert.Equal(t, s.Network.Requests[1].Attempts, 2)
}

func TestPushAndCommitLeavesLocalDataAlone(t *testing.T) {
	s := followed("1")
	action := NewPushAndCommit("task", "1", setTitle("b"))
	s = Reduce(s, action)

	entity, _ := s.Entity("task", "1")
	assert.Equal(t, fields(t, entity.Head)["title"], "a")
	assert.Equal(t, len(s.UnreachedCommits), 0)
	req, ok := s.Request(action.Tag)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(s.PushOperations(req)), 1)

	s = Reduce(s, NewFollow("task", "1", protocol.Entity(`{"id":"1","title":"b"}`), "v-1b"))
	entity, _ = s.Entity("task", "1")
	assert.Equal(t, fields(t, entity.Head)["title"], "b")
	assert.Equal(t, len(s.Network.Requests), 0)
}

func TestFailKeepsCommits(t *testing.T) {
	s := followed("1")
	action := NewCommitAndPush("task", "1", setTitle("b"))
	s = Reduce(s, action)
	s = Reduce(s, NewFail(action.Tag, protocol.NewError(protocol.ErrUnauthorized, "Authorization Required.")))

	assert.Equal(t, len(s.Network.Requests), 0)
	assert.Equal(t, len(s.UnreachedCommits), 1)
	assert.Equal(t, s.Error.Type, protocol.ErrUnauthorized)
	assert.Equal(t, s.Error.ActionTag, action.Tag)
}

func TestFollowAll(t *testing.T) {
	s := Reduce(Initial(), NewFollowAll("task",
		[]protocol.Entity{protocol.Entity(`{"id":"1"}`), protocol.Entity(`{"id":"2"}`), protocol.Entity(`{"title":"no id"}`)},
		map[string]string{"1": "v1", "2": "v2"},
	))
	assert.Equal(t, len(s.Entities["task"]), 2)
	assert.Equal(t, s.Entities["task"]["2"].VersionID, "v2")
}

func TestUnfollowDropsCommitsAndRequests(t *testing.T) {
	s := followed("1", "2")
	s = Reduce(s, NewCommitAndPush("task", "1", setTitle("b")))
	s = Reduce(s, NewCommit("task", "2", setTitle("c")))
	s = Reduce(s, NewUnfollow("task", "1"))

	_, ok := s.Entity("task", "1")
	assert.Equal(t, ok, false)
	assert.Equal(t, len(s.Network.Requests), 0)
	assert.Equal(t, len(s.UnreachedCommits), 1)
	assert.Equal(t, s.UnreachedCommits[0].ID, "2")
}

func TestUseEntities(t *testing.T) {
	s := Reduce(Initial(), NewUseEntities("task", "note"))
	assert.Equal(t, len(s.Entities), 2)
	assert.Equal(t, len(s.Entities["note"]), 0)
	assert.Equal(t, s.Version, uint64(1))

	again := Reduce(s, NewUseEntities("task"))
	assert.Equal(t, again.Version, s.Version)

	s = Reduce(s, NewFollow("task", "1", protocol.Entity(`{"id":"1"}`), "v-1"))
	s = Reduce(s, NewUnfollow("task", "1"))
	_, inUse := s.Entities["task"]
	assert.Equal(t, inUse, true)
}

func TestDeleteOnlyHasSideEffects(t *testing.T) {
	s := followed("1")
	next := Reduce(s, NewDelete("task", "1"))
	assert.Equal(t, next.Version, s.Version)
	_, ok := next.Entity("task", "1")
	assert.Equal(t, ok, true)
}

func TestApplyDiffRequiresMatchingVersion(t *testing.T) {
	s := followed("1")
	s = Reduce(s, NewCommit("task", "1", protocol.Operation(`[{"op":"add","path":"/done","value":true}]`)))

	stale := Reduce(s, NewApplyDiff(protocol.VersionDiff{
		EntityName: "task", ID: "1", Operation: setTitle("x"), VersionID: "v-3", PrevVersionID: "v-2",
	}))
	assert.Equal(t, stale.Version, s.Version)

	s = Reduce(s, NewApplyDiff(protocol.VersionDiff{
		EntityName: "task", ID: "1", Operation: setTitle("remote"), VersionID: "v-2", PrevVersionID: "v-1",
	}))
	entity, _ := s.Entity("task", "1")
	assert.Equal(t, entity.VersionID, "v-2")
	assert.Equal(t, fields(t, entity.Origin)["title"], "remote")
	head := fields(t, entity.Head)
	assert.Equal(t, head["title"], "remote")
	assert.Equal(t, head["done"], true)
	assert.Equal(t, len(s.UnreachedCommits), 1)
}

func TestApplyDiffWaitsForInFlightPush(t *testing.T) {
	s := Reduce(followed("1"), NewCommitAndPush("task", "1", setTitle("b")))
	next := Reduce(s, NewApplyDiff(protocol.VersionDiff{
		EntityName: "task", ID: "1", Operation: setTitle("remote"), VersionID: "v-2", PrevVersionID: "v-1",
	}))
	assert.Equal(t, next.Version, s.Version)
}

func TestRebaseDropsCommitsThatNoLongerApply(t *testing.T) {
	s := followed("1")
	s = Reduce(s, NewCommit("task", "1", protocol.Operation(`[{"op":"remove","path":"/title"}]`)))
	s = Reduce(s, NewRebase("task", "1", protocol.Entity(`{"id":"1"}`), "v-2"))

	assert.Equal(t, len(s.UnreachedCommits), 0)
	if s.Error == nil {
		t.Fatalf("expected error marker for the dropped commit")
	}
}

func TestNetworkAndSession(t *testing.T) {
	s := Initial()
	online := Reduce(s, NewOnline())
	assert.Equal(t, online.Version, s.Version)

	s = Reduce(s, NewOffline())
	assert.Equal(t, s.Network.IsOnline, false)

	s = Reduce(s, NewSetSession(protocol.Session{ID: "s1", EntityName: "user"}, protocol.Entity(`{"id":"u1"}`)))
	assert.Equal(t, s.Session.ID, "s1")
	s = Reduce(s, NewUnsetSession())
	if s.Session != nil || s.User != nil {
		t.Fatalf("session should be unset")
	}
}

func TestReplace(t *testing.T) {
	replacement := followed("9")
	s := Reduce(followed("1"), NewReplace(replacement))
	_, ok := s.Entity("task", "9")
	assert.Equal(t, ok, true)
	_, ok = s.Entity("task", "1")
	assert.Equal(t, ok, false)
}

func TestActionTagsAreUnique(t *testing.T) {
	a := NewCommit("task", "1", setTitle("b"))
	b := NewCommit("task", "1", setTitle("b"))
	assert.NotEqual(t, a.ActionTag(), b.ActionTag())
}
