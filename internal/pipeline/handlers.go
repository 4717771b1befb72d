package pipeline

import (
	"context"
	"fmt"

	"entitysync/server/internal/protocol"
)

// Authorizer decides whether a request may run for the given session. A nil
// session is an anonymous caller.
type Authorizer interface {
	Authorize(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error) {
	return f(ctx, req, session)
}

// Normalizer rewrites a request before validation. It returns a new request;
// the input is left untouched.
type Normalizer interface {
	Normalize(ctx context.Context, req protocol.RequestData, session *protocol.Session) (protocol.RequestData, error)
}

type NormalizerFunc func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (protocol.RequestData, error)

func (f NormalizerFunc) Normalize(ctx context.Context, req protocol.RequestData, session *protocol.Session) (protocol.RequestData, error) {
	return f(ctx, req, session)
}

// Validator rejects semantically invalid requests by returning an error.
type Validator interface {
	Validate(ctx context.Context, req protocol.RequestData, session *protocol.Session) error
}

type ValidatorFunc func(ctx context.Context, req protocol.RequestData, session *protocol.Session) error

func (f ValidatorFunc) Validate(ctx context.Context, req protocol.RequestData, session *protocol.Session) error {
	return f(ctx, req, session)
}

// Execution runs a request against the store or a registered handler.
type Execution func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (protocol.ResponseData, error)

// ExecutionWrapper surrounds execution with cross-cutting work such as
// transactions or auditing. It must call next to execute the request.
type ExecutionWrapper interface {
	WrapExecution(ctx context.Context, req protocol.RequestData, session *protocol.Session, next Execution) (protocol.ResponseData, error)
}

type ExecutionWrapperFunc func(ctx context.Context, req protocol.RequestData, session *protocol.Session, next Execution) (protocol.ResponseData, error)

func (f ExecutionWrapperFunc) WrapExecution(ctx context.Context, req protocol.RequestData, session *protocol.Session, next Execution) (protocol.ResponseData, error) {
	return f(ctx, req, session, next)
}

// Authenticator checks login credentials for one user entity.
type Authenticator interface {
	Authenticate(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.AuthenticationResult, error)
}

type AuthenticatorFunc func(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.AuthenticationResult, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.AuthenticationResult, error) {
	return f(ctx, command, session)
}

type CustomQueryExecutor interface {
	RunCustomQuery(ctx context.Context, query protocol.CustomQuery, session *protocol.Session) (protocol.CustomQueryResult, error)
}

type CustomQueryFunc func(ctx context.Context, query protocol.CustomQuery, session *protocol.Session) (protocol.CustomQueryResult, error)

func (f CustomQueryFunc) RunCustomQuery(ctx context.Context, query protocol.CustomQuery, session *protocol.Session) (protocol.CustomQueryResult, error) {
	return f(ctx, query, session)
}

type CustomCommandExecutor interface {
	RunCustomCommand(ctx context.Context, command protocol.CustomCommand, session *protocol.Session) (protocol.CustomCommandResult, error)
}

type CustomCommandFunc func(ctx context.Context, command protocol.CustomCommand, session *protocol.Session) (protocol.CustomCommandResult, error)

func (f CustomCommandFunc) RunCustomCommand(ctx context.Context, command protocol.CustomCommand, session *protocol.Session) (protocol.CustomCommandResult, error) {
	return f(ctx, command, session)
}

// Publisher receives version diffs after successful mutations. Publication is
// fire-and-forget: it cannot fail a request.
type Publisher interface {
	PublishVersionDiff(ctx context.Context, diff protocol.VersionDiff)
}

// Defaults used when a definition leaves a handler unset.
var (
	AllowAll Authorizer = AuthorizerFunc(func(context.Context, protocol.RequestData, *protocol.Session) (bool, error) {
		return true, nil
	})

	Identity Normalizer = NormalizerFunc(func(_ context.Context, req protocol.RequestData, _ *protocol.Session) (protocol.RequestData, error) {
		return req, nil
	})

	NoValidation Validator = ValidatorFunc(func(context.Context, protocol.RequestData, *protocol.Session) error {
		return nil
	})

	DirectExecution ExecutionWrapper = ExecutionWrapperFunc(func(ctx context.Context, req protocol.RequestData, session *protocol.Session, next Execution) (protocol.ResponseData, error) {
		return next(ctx, req, session)
	})
)

// missingHandler stands in for an executor or authenticator that was never
// registered. Calling it is a deployment error.
type missingHandler struct {
	kind string
	name string
}

func (m missingHandler) err() error {
	return protocol.NewError(protocol.ErrServerError, fmt.Sprintf("No %s function found for %q.", m.kind, m.name))
}

func (m missingHandler) Authenticate(context.Context, protocol.LoginCommand, *protocol.Session) (protocol.AuthenticationResult, error) {
	return protocol.AuthenticationResult{}, m.err()
}

func (m missingHandler) RunCustomQuery(context.Context, protocol.CustomQuery, *protocol.Session) (protocol.CustomQueryResult, error) {
	return protocol.CustomQueryResult{}, m.err()
}

func (m missingHandler) RunCustomCommand(context.Context, protocol.CustomCommand, *protocol.Session) (protocol.CustomCommandResult, error) {
	return protocol.CustomCommandResult{}, m.err()
}
