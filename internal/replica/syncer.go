package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"entitysync/server/internal/protocol"
)

// Transport carries requests to a pipeline. A returned error means the
// request may not have reached it; error responses are not transport errors.
type Transport interface {
	HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error)
}

// Syncer owns a replica state and runs the network side of actions. Dispatch
// calls are serialized, so a Syncer is safe for concurrent use, but a
// dispatch holds the lock for the whole round trip.
//
// Retry policy: a push is sent with its request tag as the push tag and keeps
// that tag across repushes, so a push whose answer was lost is not applied
// twice. Commits leave the queue only when a confirmed version covers them,
// and confirmed commits are never sent again. A transport failure takes the
// replica offline with its requests still in flight; going online repushes
// them.
type Syncer struct {
	transport Transport

	mu    sync.Mutex
	state State
}

func NewSyncer(transport Transport, initial State) *Syncer {
	return &Syncer{transport: transport, state: initial.clone()}
}

// State returns a copy of the current state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Dispatch reduces action into the state and performs its side effects.
// Server rejections are recorded in the state and returned as errors.
func (s *Syncer) Dispatch(ctx context.Context, action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatch(ctx, action)
}

// ApplyVersionDiff feeds a diff received from a broadcast into the replica.
func (s *Syncer) ApplyVersionDiff(ctx context.Context, diff protocol.VersionDiff) error {
	return s.Dispatch(ctx, NewApplyDiff(diff))
}

func (s *Syncer) dispatch(ctx context.Context, action Action) error {
	s.state = Reduce(s.state, action)

	switch a := action.(type) {
	case Push, CommitAndPush, PushAndCommit:
		req, ok := s.state.Request(action.ActionTag())
		if !ok || !s.state.Network.IsOnline {
			return nil
		}
		return s.push(ctx, req)
	case Repush:
		return s.repush(ctx)
	case Online:
		if len(s.state.Network.Requests) == 0 {
			return nil
		}
		return s.dispatch(ctx, NewRepush())
	case Pull:
		return s.pull(ctx, a)
	case Delete:
		return s.delete(ctx, a)
	case Login:
		return s.login(ctx, a)
	case Logout:
		return s.logout(ctx, a)
	}
	return nil
}

func (s *Syncer) repush(ctx context.Context) error {
	for _, pending := range slices.Clone(s.state.Network.Requests) {
		if !s.state.Network.IsOnline {
			return nil
		}
		// an earlier answer may have settled this one
		req, ok := s.state.Request(pending.Tag)
		if !ok {
			continue
		}
		if err := s.push(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) push(ctx context.Context, req PushRequest) error {
	entity, _ := s.state.Entity(req.EntityName, req.ID)
	command := protocol.PushCommand{
		EntityName: req.EntityName,
		ID:         req.ID,
		Operations: s.state.PushOperations(req),
		VersionID:  entity.VersionID,
		Tag:        req.Tag,
	}
	var result protocol.PushCommandResult
	if err := s.call(ctx, req.Tag, protocol.MethodPush, command, &result); err != nil {
		return err
	}
	s.state = Reduce(s.state, NewFollow(req.EntityName, req.ID, result.Entity, result.VersionID))

	// commits made after the request was recorded
	if len(s.state.CommitsOf(req.EntityName, req.ID)) > 0 {
		return s.dispatch(ctx, NewPush(req.EntityName, req.ID, AllCommits))
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context, a Pull) error {
	entity, followed := s.state.Entity(a.EntityName, a.ID)
	if !followed {
		var result protocol.SingleQueryResult
		if err := s.call(ctx, a.Tag, protocol.MethodGet, protocol.IDQuery{EntityName: a.EntityName, ID: a.ID}, &result); err != nil {
			return err
		}
		s.state = Reduce(s.state, NewFollow(a.EntityName, a.ID, result.Entity, result.VersionID))
		return nil
	}

	var result protocol.PullQueryResult
	query := protocol.PullQuery{EntityName: a.EntityName, ID: a.ID, VersionID: entity.VersionID}
	if err := s.call(ctx, a.Tag, protocol.MethodPull, query, &result); err != nil {
		return err
	}
	origin := result.Entity
	if result.Pulled == 1 {
		var err error
		origin, err = protocol.ApplyOperations(entity.Origin, result.Operations...)
		if err != nil {
			s.state = Reduce(s.state, NewFail(a.Tag, protocol.AsError(err)))
			return err
		}
	}
	s.state = Reduce(s.state, NewRebase(a.EntityName, a.ID, origin, result.VersionID))
	return nil
}

// delete keeps following the entity when the server refuses.
func (s *Syncer) delete(ctx context.Context, a Delete) error {
	var result protocol.DeleteCommandResult
	command := protocol.DeleteCommand{EntityName: a.EntityName, ID: a.ID}
	if err := s.call(ctx, a.Tag, protocol.MethodDelete, command, &result); err != nil {
		return err
	}
	return s.dispatch(ctx, NewUnfollow(a.EntityName, a.ID))
}

func (s *Syncer) login(ctx context.Context, a Login) error {
	var result protocol.LoginCommandResult
	command := protocol.LoginCommand{EntityName: a.EntityName, Credentials: a.Credentials}
	if err := s.call(ctx, a.Tag, protocol.MethodLogin, command, &result); err != nil {
		return err
	}
	s.state = Reduce(s.state, NewSetSession(result.Session, result.User))
	return nil
}

// logout forgets the session locally even when the server no longer knows it.
func (s *Syncer) logout(ctx context.Context, a Logout) error {
	session := s.state.Session
	if session == nil {
		return nil
	}
	var result protocol.LogoutCommandResult
	command := protocol.LogoutCommand{EntityName: session.EntityName, SessionID: session.ID, UserID: session.UserID}
	err := s.call(ctx, a.Tag, protocol.MethodLogout, command, &result)
	var rejected *protocol.Error
	if err != nil && !errors.As(err, &rejected) {
		return err
	}
	s.state = Reduce(s.state, NewUnsetSession())
	return err
}

// call sends one request and decodes its answer into target. A transport
// failure takes the replica offline; an error response marks the failure
// under tag.
func (s *Syncer) call(ctx context.Context, tag string, method protocol.Method, payload any, target any) error {
	sessionID := ""
	if s.state.Session != nil {
		sessionID = s.state.Session.ID
	}
	req, err := protocol.NewRequest(method, payload, sessionID)
	if err != nil {
		return err
	}
	res, err := s.transport.HandleRequestData(ctx, req)
	if err != nil {
		log.Printf("sync %s failed, going offline: %v", method, err)
		s.state = Reduce(s.state, NewOffline())
		return fmt.Errorf("send %s: %w", method, err)
	}
	if err := res.Decode(method, target); err != nil {
		s.state = Reduce(s.state, NewFail(tag, protocol.AsError(err)))
		return err
	}
	return nil
}
