package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitysync/server/internal/protocol"

	"github.com/coreos/go-oidc/v3/oidc"
)

// TokenVerifier is satisfied by *oidc.IDTokenVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// UserDirectory is the part of the entity store that holds user entities.
type UserDirectory interface {
	FindOne(ctx context.Context, query protocol.WhereQuery) (protocol.SingleQueryResult, error)
	InsertAndGet(ctx context.Context, command protocol.SingleInsertCommand) (protocol.GetCommandResult, error)
}

type SessionCreator interface {
	Create(ctx context.Context, pre protocol.PreSession) (protocol.Session, error)
}

// OIDCAuthenticator logs users in with an ID token from the configured
// issuer. Users are matched by the token subject, stored as externalId on the
// user entity; the first login of a subject creates its user.
type OIDCAuthenticator struct {
	verifier   TokenVerifier
	users      UserDirectory
	sessions   SessionCreator
	entityName string
	ttl        time.Duration
	now        func() time.Time
}

func NewOIDCAuthenticator(verifier TokenVerifier, users UserDirectory, sessions SessionCreator, entityName string, ttl time.Duration) *OIDCAuthenticator {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &OIDCAuthenticator{
		verifier:   verifier,
		users:      users,
		sessions:   sessions,
		entityName: entityName,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Authenticate expects credentials of the form {"idToken": "<jwt>"}.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.AuthenticationResult, error) {
	var credentials struct {
		IDToken string `json:"idToken"`
	}
	if err := json.Unmarshal(command.Credentials, &credentials); err != nil || credentials.IDToken == "" {
		return protocol.AuthenticationResult{}, protocol.NewError(protocol.ErrBadRequest, "idToken is required")
	}
	token, err := a.verifier.Verify(ctx, credentials.IDToken)
	if err != nil {
		return protocol.AuthenticationResult{}, protocol.NewError(protocol.ErrUnauthorized, fmt.Sprintf("invalid id token: %v", err))
	}
	return a.resolve(ctx, token.Subject)
}

// IssueSession backs the browser flow, where the token was already verified
// by the callback handler.
func (a *OIDCAuthenticator) IssueSession(ctx context.Context, idToken *oidc.IDToken) (protocol.Session, error) {
	result, err := a.resolve(ctx, idToken.Subject)
	if err != nil {
		return protocol.Session{}, err
	}
	return a.sessions.Create(ctx, result.PreSession)
}

func (a *OIDCAuthenticator) resolve(ctx context.Context, subject string) (protocol.AuthenticationResult, error) {
	if subject == "" {
		return protocol.AuthenticationResult{}, protocol.NewError(protocol.ErrUnauthorized, "id token missing sub claim")
	}
	user, versionID, err := a.findOrCreateUser(ctx, subject)
	if err != nil {
		return protocol.AuthenticationResult{}, err
	}
	userID, err := protocol.EntityID(user)
	if err != nil {
		return protocol.AuthenticationResult{}, fmt.Errorf("read user id: %w", err)
	}
	return protocol.AuthenticationResult{
		PreSession: protocol.PreSession{
			EntityName: a.entityName,
			UserID:     userID,
			ExternalID: subject,
			ExpiredAt:  a.now().Add(a.ttl),
		},
		User:      user,
		VersionID: versionID,
	}, nil
}

func (a *OIDCAuthenticator) findOrCreateUser(ctx context.Context, subject string) (protocol.Entity, string, error) {
	found, err := a.users.FindOne(ctx, protocol.WhereQuery{
		EntityName: a.entityName,
		Where:      map[string]any{"externalId": subject},
	})
	if err == nil {
		return found.Entity, found.VersionID, nil
	}
	if !protocol.IsType(err, protocol.ErrNotFound) {
		return nil, "", fmt.Errorf("find user sub=%s: %w", subject, err)
	}
	value, err := json.Marshal(map[string]string{"externalId": subject})
	if err != nil {
		return nil, "", fmt.Errorf("encode user: %w", err)
	}
	inserted, err := a.users.InsertAndGet(ctx, protocol.SingleInsertCommand{EntityName: a.entityName, Value: value})
	if err != nil {
		return nil, "", fmt.Errorf("insert user sub=%s: %w", subject, err)
	}
	return inserted.Entity, inserted.VersionID, nil
}
