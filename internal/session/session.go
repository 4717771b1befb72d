package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"entitysync/server/internal/protocol"

	"github.com/oklog/ulid/v2"
)

const purgeTimeout = 10 * time.Second

// Backend persists sessions.
//
// Why this exists:
//   - The store only decides validity (expiry, id assignment); where sessions
//     live is a deployment concern.
//   - The SQLite entity store implements it, so sessions share the database
//     with the entities they authorize.
type Backend interface {
	// GetSession returns the stored session, or an error when it is missing
	// or cannot be read.
	GetSession(ctx context.Context, id string) (protocol.Session, error)

	// PutSession inserts or replaces a session.
	PutSession(ctx context.Context, session protocol.Session) error

	// DeleteSession removes a session and reports whether it existed.
	DeleteSession(ctx context.Context, id string) (bool, error)
}

type Store struct {
	backend Backend
	now     func() time.Time
	newID   func() string
	purges  sync.WaitGroup
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
}

// Get returns the session for id, or nil when there is none. Lookup errors are
// treated as absence. An expired session is purged in the background and
// reported as absent.
func (s *Store) Get(ctx context.Context, id string) *protocol.Session {
	if id == "" {
		return nil
	}
	session, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return nil
	}
	if session.Expired(s.now()) {
		s.purges.Add(1)
		go s.purge(context.WithoutCancel(ctx), id)
		return nil
	}
	return &session
}

func (s *Store) purge(ctx context.Context, id string) {
	defer s.purges.Done()
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	if _, err := s.backend.DeleteSession(ctx, id); err != nil {
		log.Printf("session purge error id=%s: %v", id, err)
	}
}

// Wait blocks until background purges have finished. Call it before closing
// the backend.
func (s *Store) Wait() {
	s.purges.Wait()
}

// Create persists a pre-session, assigning an id when it has none.
func (s *Store) Create(ctx context.Context, pre protocol.PreSession) (protocol.Session, error) {
	if pre.ID == "" {
		pre.ID = s.newID()
	}
	return s.Set(ctx, pre)
}

func (s *Store) Set(ctx context.Context, session protocol.Session) (protocol.Session, error) {
	if session.ID == "" {
		return protocol.Session{}, errors.New("session id is required")
	}
	if err := s.backend.PutSession(ctx, session); err != nil {
		return protocol.Session{}, err
	}
	return session, nil
}

// Delete removes the session and reports whether it existed. An empty id is
// reported as missing.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return s.backend.DeleteSession(ctx, id)
}
