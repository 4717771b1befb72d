package replica

import (
	"fmt"
	"slices"

	"entitysync/server/internal/protocol"
)

// Reduce returns the state after action. It never modifies s. An action that
// changes nothing, including one Reduce does not know, returns s unchanged,
// Version included.
func Reduce(s State, action Action) State {
	next := s.clone()
	if !transition(&next, action) {
		return s
	}
	next.Version = s.Version + 1
	return next
}

func transition(s *State, action Action) bool {
	switch a := action.(type) {
	case Replace:
		*s = a.State.clone()
		return true
	case Reset:
		if s.isInitial() {
			return false
		}
		*s = Initial()
		return true

	case Commit:
		commit(s, a.Tag, a.EntityName, a.ID, a.Operation)
		return true
	case Push:
		return push(s, a.Tag, a.EntityName, a.ID, a.Until)
	case Repush:
		if len(s.Network.Requests) == 0 {
			return false
		}
		for i := range s.Network.Requests {
			s.Network.Requests[i].Attempts++
		}
		return true
	case CommitAndPush:
		if commitID, ok := commit(s, a.Tag, a.EntityName, a.ID, a.Operation); ok {
			push(s, a.Tag, a.EntityName, a.ID, int64(commitID))
		}
		return true
	case PushAndCommit:
		if _, inFlight := s.requestFor(a.EntityName, a.ID); inFlight {
			markError(s, a.Tag, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("a push for %s %s is already in flight", a.EntityName, a.ID)))
			return true
		}
		s.Network.Requests = append(s.Network.Requests, PushRequest{
			EntityName: a.EntityName,
			ID:         a.ID,
			Operation:  a.Operation,
			Tag:        a.Tag,
		})
		return true

	case Follow:
		follow(s, a.Tag, a.EntityName, a.ID, a.Entity, a.VersionID)
		return true
	case FollowAll:
		changed := false
		for _, entity := range a.Entities {
			id, err := protocol.EntityID(entity)
			if err != nil || id == "" {
				continue
			}
			follow(s, a.Tag, a.EntityName, id, entity, a.VersionsByID[id])
			changed = true
		}
		return changed
	case Unfollow:
		return unfollow(s, a.EntityName, a.ID)
	case UseEntities:
		changed := false
		for _, name := range a.EntityNames {
			if _, ok := s.Entities[name]; ok || name == "" {
				continue
			}
			if s.Entities == nil {
				s.Entities = map[string]map[string]EntityState{}
			}
			s.Entities[name] = map[string]EntityState{}
			changed = true
		}
		return changed
	case Rebase:
		if entity, ok := s.Entity(a.EntityName, a.ID); ok && entity.VersionID == a.VersionID {
			return false
		}
		rebase(s, a.Tag, a.EntityName, a.ID, a.Entity, a.VersionID)
		return true
	case ApplyDiff:
		return applyDiff(s, a.Tag, a.Diff)

	case Fail:
		if i, ok := requestIndex(s, a.RequestTag); ok {
			s.Network.Requests = slices.Delete(s.Network.Requests, i, i+1)
		}
		failure := a.Error
		if failure == nil {
			failure = protocol.NewError(protocol.ErrUnknown, "request failed")
		}
		s.Error = &ActionError{Type: failure.Type, Message: failure.Message, At: failure.At, ActionTag: a.RequestTag}
		return true

	case Online:
		if s.Network.IsOnline {
			return false
		}
		s.Network.IsOnline = true
		return true
	case Offline:
		if !s.Network.IsOnline {
			return false
		}
		s.Network.IsOnline = false
		return true

	case SetSession:
		session := a.Session
		s.Session = &session
		s.User = a.User
		return true
	case UnsetSession:
		if s.Session == nil && s.User == nil {
			return false
		}
		s.Session = nil
		s.User = nil
		return true
	case ResolveError:
		if s.Error == nil {
			return false
		}
		s.Error = nil
		return true
	}
	// Pull, Delete, Login, Logout and unknown actions only have side effects.
	return false
}

// commit applies op to the entity's head and queues it. It returns the new
// commit id, or false when the operation was rejected and an error was
// marked instead.
func commit(s *State, tag, entityName, id string, op protocol.Operation) (uint64, bool) {
	entity, ok := s.Entity(entityName, id)
	if !ok {
		markError(s, tag, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("%s %s is not followed", entityName, id)))
		return 0, false
	}
	head, err := protocol.ApplyOperation(entity.Head, op)
	if err != nil {
		markError(s, tag, err)
		return 0, false
	}
	if s.NextCommitID == 0 {
		s.NextCommitID = 1
	}
	commitID := s.NextCommitID
	s.NextCommitID++
	s.UnreachedCommits = append(s.UnreachedCommits, UnreachedCommit{
		EntityName: entityName,
		ID:         id,
		Operation:  op,
		CommitID:   commitID,
	})
	entity.Head = head
	s.setEntity(entityName, id, entity)
	return commitID, true
}

// push records an in-flight request covering the entity's commits up to
// until. There is at most one request per entity; a push while one is in
// flight, or with nothing to send, changes nothing.
func push(s *State, tag, entityName, id string, until int64) bool {
	if _, inFlight := s.requestFor(entityName, id); inFlight {
		return false
	}
	var last uint64
	for _, c := range s.CommitsOf(entityName, id) {
		if until < 0 || c.CommitID <= uint64(until) {
			last = c.CommitID
		}
	}
	if last == 0 {
		return false
	}
	s.Network.Requests = append(s.Network.Requests, PushRequest{
		EntityName: entityName,
		ID:         id,
		Until:      last,
		Tag:        tag,
	})
	return true
}

// follow accepts a confirmed value. The in-flight request for the entity is
// answered by it, so the commits that request covered are dropped; without a
// request in flight every commit of the entity is.
func follow(s *State, tag, entityName, id string, entity protocol.Entity, versionID string) {
	covered := func(c UnreachedCommit) bool { return true }
	if i, inFlight := s.requestFor(entityName, id); inFlight {
		until := s.Network.Requests[i].Until
		covered = func(c UnreachedCommit) bool { return c.CommitID <= until }
		s.Network.Requests = slices.Delete(s.Network.Requests, i, i+1)
	}
	s.UnreachedCommits = slices.DeleteFunc(s.UnreachedCommits, func(c UnreachedCommit) bool {
		return c.EntityName == entityName && c.ID == id && covered(c)
	})
	rebase(s, tag, entityName, id, entity, versionID)
}

// rebase sets a new origin and replays the remaining commits on it. A commit
// that no longer applies is dropped and marked as an error.
func rebase(s *State, tag, entityName, id string, origin protocol.Entity, versionID string) {
	head := origin
	var dropped []uint64
	for _, c := range s.CommitsOf(entityName, id) {
		next, err := protocol.ApplyOperation(head, c.Operation)
		if err != nil {
			dropped = append(dropped, c.CommitID)
			markError(s, tag, err)
			continue
		}
		head = next
	}
	if len(dropped) > 0 {
		s.UnreachedCommits = slices.DeleteFunc(s.UnreachedCommits, func(c UnreachedCommit) bool {
			return slices.Contains(dropped, c.CommitID)
		})
	}
	s.setEntity(entityName, id, EntityState{Origin: origin, VersionID: versionID, Head: head})
}

// applyDiff advances a followed entity by a transition someone else made. It
// only applies on top of the version the diff starts from, and not while a
// push of the entity is in flight: that push's answer settles the entity.
func applyDiff(s *State, tag string, diff protocol.VersionDiff) bool {
	entity, ok := s.Entity(diff.EntityName, diff.ID)
	if !ok || diff.PrevVersionID == "" || entity.VersionID != diff.PrevVersionID {
		return false
	}
	if _, inFlight := s.requestFor(diff.EntityName, diff.ID); inFlight {
		return false
	}
	origin, err := protocol.ApplyOperation(entity.Origin, diff.Operation)
	if err != nil {
		return false
	}
	rebase(s, tag, diff.EntityName, diff.ID, origin, diff.VersionID)
	return true
}

func unfollow(s *State, entityName, id string) bool {
	changed := false
	if byID, ok := s.Entities[entityName]; ok {
		if _, ok := byID[id]; ok {
			// the name stays in use
			delete(byID, id)
			changed = true
		}
	}
	matches := func(entity, entityID string) bool { return entity == entityName && entityID == id }
	before := len(s.UnreachedCommits) + len(s.Network.Requests)
	s.UnreachedCommits = slices.DeleteFunc(s.UnreachedCommits, func(c UnreachedCommit) bool { return matches(c.EntityName, c.ID) })
	s.Network.Requests = slices.DeleteFunc(s.Network.Requests, func(r PushRequest) bool { return matches(r.EntityName, r.ID) })
	return changed || before != len(s.UnreachedCommits)+len(s.Network.Requests)
}

func requestIndex(s *State, tag string) (int, bool) {
	i := slices.IndexFunc(s.Network.Requests, func(r PushRequest) bool { return r.Tag == tag })
	return i, i >= 0
}

func (s *State) setEntity(entityName, id string, entity EntityState) {
	if s.Entities == nil {
		s.Entities = map[string]map[string]EntityState{}
	}
	byID := s.Entities[entityName]
	if byID == nil {
		byID = map[string]EntityState{}
		s.Entities[entityName] = byID
	}
	byID[id] = entity
}

func markError(s *State, tag string, err error) {
	local := protocol.AsError(err)
	s.Error = &ActionError{Type: local.Type, Message: local.Message, At: protocol.AtLocal, ActionTag: tag}
}
