package replica

import (
	"encoding/json"

	"entitysync/server/internal/protocol"

	"github.com/oklog/ulid/v2"
)

// Action is a request to change replica state. Reduce knows a closed set of
// actions; any other Action leaves the state as it is.
type Action interface {
	ActionTag() string
}

// Meta carries the tag every action is created with. Tags are ULIDs, so they
// are unique and sort by creation time.
type Meta struct {
	Tag string `json:"tag"`
}

func (m Meta) ActionTag() string { return m.Tag }

func newMeta() Meta {
	return Meta{Tag: ulid.Make().String()}
}

// AllCommits as a Push Until pushes every queued commit of the entity.
const AllCommits int64 = -1

type (
	Replace struct {
		Meta
		State State
	}

	Reset struct{ Meta }

	Commit struct {
		Meta
		EntityName string
		ID         string
		Operation  protocol.Operation
	}

	Push struct {
		Meta
		EntityName string
		ID         string
		Until      int64
	}

	Repush struct{ Meta }

	CommitAndPush struct {
		Meta
		EntityName string
		ID         string
		Operation  protocol.Operation
	}

	PushAndCommit struct {
		Meta
		EntityName string
		ID         string
		Operation  protocol.Operation
	}

	Pull struct {
		Meta
		EntityName string
		ID         string
	}

	Follow struct {
		Meta
		EntityName string
		ID         string
		Entity     protocol.Entity
		VersionID  string
	}

	FollowAll struct {
		Meta
		EntityName   string
		Entities     []protocol.Entity
		VersionsByID map[string]string
	}

	Unfollow struct {
		Meta
		EntityName string
		ID         string
	}

	// Delete removes the entity on the server, then unfollows it.
	Delete struct {
		Meta
		EntityName string
		ID         string
	}

	// UseEntities declares entity names the replica keeps, followed or not.
	UseEntities struct {
		Meta
		EntityNames []string
	}

	// Rebase moves an entity's origin to a newer server value while keeping
	// its unreached commits, as after a pull.
	Rebase struct {
		Meta
		EntityName string
		ID         string
		Entity     protocol.Entity
		VersionID  string
	}

	ApplyDiff struct {
		Meta
		Diff protocol.VersionDiff
	}

	Fail struct {
		Meta
		RequestTag string
		Error      *protocol.Error
	}

	Online  struct{ Meta }
	Offline struct{ Meta }

	SetSession struct {
		Meta
		Session protocol.Session
		User    protocol.Entity
	}

	UnsetSession struct{ Meta }
	ResolveError struct{ Meta }

	Login struct {
		Meta
		EntityName  string
		Credentials json.RawMessage
	}

	Logout struct{ Meta }
)

func NewReplace(state State) Replace { return Replace{Meta: newMeta(), State: state} }
func NewReset() Reset { return Reset{Meta: newMeta()} }

func NewCommit(entityName, id string, op protocol.Operation) Commit {
	return Commit{Meta: newMeta(), EntityName: entityName, ID: id, Operation: op}
}

// NewPush pushes the entity's commits up to commit id until, or all of them
// for AllCommits.
func NewPush(entityName, id string, until int64) Push {
	return Push{Meta: newMeta(), EntityName: entityName, ID: id, Until: until}
}

func NewRepush() Repush { return Repush{Meta: newMeta()} }

func NewCommitAndPush(entityName, id string, op protocol.Operation) CommitAndPush {
	return CommitAndPush{Meta: newMeta(), EntityName: entityName, ID: id, Operation: op}
}

func NewPushAndCommit(entityName, id string, op protocol.Operation) PushAndCommit {
	return PushAndCommit{Meta: newMeta(), EntityName: entityName, ID: id, Operation: op}
}

func NewPull(entityName, id string) Pull {
	return Pull{Meta: newMeta(), EntityName: entityName, ID: id}
}

func NewFollow(entityName, id string, entity protocol.Entity, versionID string) Follow {
	return Follow{Meta: newMeta(), EntityName: entityName, ID: id, Entity: entity, VersionID: versionID}
}

func NewFollowAll(entityName string, entities []protocol.Entity, versionsByID map[string]string) FollowAll {
	return FollowAll{Meta: newMeta(), EntityName: entityName, Entities: entities, VersionsByID: versionsByID}
}

func NewUnfollow(entityName, id string) Unfollow {
	return Unfollow{Meta: newMeta(), EntityName: entityName, ID: id}
}

func NewDelete(entityName, id string) Delete {
	return Delete{Meta: newMeta(), EntityName: entityName, ID: id}
}

func NewUseEntities(entityNames ...string) UseEntities {
	return UseEntities{Meta: newMeta(), EntityNames: entityNames}
}

func NewRebase(entityName, id string, entity protocol.Entity, versionID string) Rebase {
	return Rebase{Meta: newMeta(), EntityName: entityName, ID: id, Entity: entity, VersionID: versionID}
}

func NewApplyDiff(diff protocol.VersionDiff) ApplyDiff {
	return ApplyDiff{Meta: newMeta(), Diff: diff}
}

func NewFail(requestTag string, err *protocol.Error) Fail {
	return Fail{Meta: newMeta(), RequestTag: requestTag, Error: err}
}

func NewOnline() Online { return Online{Meta: newMeta()} }
func NewOffline() Offline { return Offline{Meta: newMeta()} }

func NewSetSession(session protocol.Session, user protocol.Entity) SetSession {
	return SetSession{Meta: newMeta(), Session: session, User: user}
}

func NewUnsetSession() UnsetSession { return UnsetSession{Meta: newMeta()} }
func NewResolveError() ResolveError { return ResolveError{Meta: newMeta()} }

func NewLogin(entityName string, credentials json.RawMessage) Login {
	return Login{Meta: newMeta(), EntityName: entityName, Credentials: credentials}
}

func NewLogout() Logout { return Logout{Meta: newMeta()} }
