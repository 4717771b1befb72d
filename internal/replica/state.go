// Package replica is the client side of sync: a local copy of the entities a
// client follows, the commits it made but the server has not confirmed yet,
// and the pushes currently in flight.
package replica

import (
	"maps"
	"slices"

	"entitysync/server/internal/protocol"
)

// EntityState is the local view of one entity. Origin is the last value the
// server confirmed at VersionID; Head is Origin with every unreached commit
// for the entity applied on top.
type EntityState struct {
	Origin    protocol.Entity `json:"origin"`
	VersionID string          `json:"versionId"`
	Head      protocol.Entity `json:"head"`
}

// UnreachedCommit is an operation applied locally that no confirmed version
// covers yet.
type UnreachedCommit struct {
	EntityName string             `json:"entityName"`
	ID         string             `json:"id"`
	Operation  protocol.Operation `json:"operation"`
	CommitID   uint64             `json:"commitId"`
}

// PushRequest is a push that was sent, or is waiting to be sent, and has not
// been answered. It covers the entity's commits up to Until. Operation is set
// only for pushes that were never committed locally.
type PushRequest struct {
	EntityName string             `json:"entityName"`
	ID         string             `json:"id"`
	Until      uint64             `json:"until"`
	Operation  protocol.Operation `json:"operation,omitempty"`
	Tag        string             `json:"tag"`
	Attempts   int                `json:"attempts"`
}

type Network struct {
	Requests []PushRequest `json:"requests"`
	IsOnline bool          `json:"isOnline"`
}

// ActionError marks the last failed action until it is resolved.
type ActionError struct {
	Type      protocol.ErrorType `json:"type"`
	Message   string             `json:"message"`
	At        string             `json:"at"`
	ActionTag string             `json:"actionTag"`
}

// State is owned by whoever holds it: Reduce never modifies the State it is
// given. Entity documents are never modified in place, so states share them.
type State struct {
	Entities         map[string]map[string]EntityState `json:"entities"`
	UnreachedCommits []UnreachedCommit                 `json:"unreachedCommits"`
	Network          Network                           `json:"network"`
	Session          *protocol.Session                 `json:"session,omitempty"`
	User             protocol.Entity                   `json:"user,omitempty"`
	Error            *ActionError                      `json:"error,omitempty"`
	// Version counts effective transitions.
	Version      uint64 `json:"version"`
	NextCommitID uint64 `json:"nextCommitId"`
}

// Initial returns an empty, online replica.
func Initial() State {
	return State{
		Entities:         map[string]map[string]EntityState{},
		UnreachedCommits: []UnreachedCommit{},
		Network:          Network{Requests: []PushRequest{}, IsOnline: true},
		NextCommitID:     1,
	}
}

func (s State) isInitial() bool {
	return len(s.Entities) == 0 &&
		len(s.UnreachedCommits) == 0 &&
		len(s.Network.Requests) == 0 &&
		s.Network.IsOnline &&
		s.Session == nil &&
		s.User == nil &&
		s.Error == nil &&
		s.NextCommitID == 1
}

func (s State) clone() State {
	out := s
	out.Entities = make(map[string]map[string]EntityState, len(s.Entities))
	for name, byID := range s.Entities {
		out.Entities[name] = maps.Clone(byID)
	}
	out.UnreachedCommits = slices.Clone(s.UnreachedCommits)
	if out.UnreachedCommits == nil {
		out.UnreachedCommits = []UnreachedCommit{}
	}
	out.Network.Requests = slices.Clone(s.Network.Requests)
	if out.Network.Requests == nil {
		out.Network.Requests = []PushRequest{}
	}
	if s.Session != nil {
		session := *s.Session
		out.Session = &session
	}
	if s.Error != nil {
		actionErr := *s.Error
		out.Error = &actionErr
	}
	return out
}

// Entity returns the local state of one entity.
func (s State) Entity(entityName, id string) (EntityState, bool) {
	entity, ok := s.Entities[entityName][id]
	return entity, ok
}

// CommitsOf returns the unreached commits of one entity in commit order.
func (s State) CommitsOf(entityName, id string) []UnreachedCommit {
	var commits []UnreachedCommit
	for _, commit := range s.UnreachedCommits {
		if commit.EntityName == entityName && commit.ID == id {
			commits = append(commits, commit)
		}
	}
	return commits
}

// Request returns the in-flight request with the given tag.
func (s State) Request(tag string) (PushRequest, bool) {
	for _, req := range s.Network.Requests {
		if req.Tag == tag {
			return req, true
		}
	}
	return PushRequest{}, false
}

func (s State) requestFor(entityName, id string) (int, bool) {
	for i, req := range s.Network.Requests {
		if req.EntityName == entityName && req.ID == id {
			return i, true
		}
	}
	return -1, false
}

// PushOperations returns what a push of req sends: the covered commits in
// order, then the request's own operation.
func (s State) PushOperations(req PushRequest) []protocol.Operation {
	ops := make([]protocol.Operation, 0)
	for _, commit := range s.CommitsOf(req.EntityName, req.ID) {
		if commit.CommitID <= req.Until {
			ops = append(ops, commit.Operation)
		}
	}
	if len(req.Operation) > 0 {
		ops = append(ops, req.Operation)
	}
	return ops
}
