// Package pipeline turns RequestData into ResponseData: it resolves the
// session, authorizes, normalizes, validates, executes against the entity
// store and publishes the resulting version diffs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"entitysync/server/internal/apiclient"
	"entitysync/server/internal/protocol"
	"entitysync/server/internal/session"
	"entitysync/server/internal/storage"
	"entitysync/server/internal/versiondiff"
)

// SessionStore is the session capability the pipeline reads on every request
// and writes on login and logout.
type SessionStore interface {
	Get(ctx context.Context, id string) *protocol.Session
	Create(ctx context.Context, pre protocol.PreSession) (protocol.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type Config struct {
	Client storage.EntityClient
	// Sessions defaults to a session store on Client when Client can also
	// persist sessions.
	Sessions    SessionStore
	Definitions Definitions
	// Publisher is optional.
	Publisher Publisher
}

// Pipeline holds no mutable state of its own; concurrent calls are safe as
// long as the store and session capabilities are.
type Pipeline struct {
	client    storage.EntityClient
	sessions  SessionStore
	registry  *registry
	publisher Publisher
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, errors.New("entity client is required")
	}
	sessions := cfg.Sessions
	if sessions == nil {
		backend, ok := cfg.Client.(session.Backend)
		if !ok {
			return nil, errors.New("session store is required: the entity client cannot persist sessions")
		}
		sessions = session.NewStore(backend)
	}
	return &Pipeline{
		client:    cfg.Client,
		sessions:  sessions,
		registry:  newRegistry(cfg.Definitions),
		publisher: cfg.Publisher,
	}, nil
}

// HandleRequestData always returns a response; failures of any step become
// error responses.
func (p *Pipeline) HandleRequestData(ctx context.Context, req protocol.RequestData) (res protocol.ResponseData) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("pipeline panic method=%s: %v", req.Method, recovered)
			res = protocol.ErrorResponse(protocol.NewError(protocol.ErrUnknown, fmt.Sprint(recovered)))
		}
	}()
	response, err := p.handle(ctx, req)
	if err != nil {
		return protocol.ErrorResponse(err)
	}
	return response
}

func (p *Pipeline) handle(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
	if err := req.Validate(); err != nil {
		return protocol.ResponseData{}, err
	}

	session := p.sessions.Get(ctx, req.SessionID)

	handlers, err := p.registry.resolve(req)
	if err != nil {
		return protocol.ResponseData{}, err
	}
	accessible, err := handlers.authorization.Authorize(ctx, req, session)
	if err != nil {
		return protocol.ResponseData{}, err
	}
	if !accessible {
		return protocol.ResponseData{}, protocol.NewError(protocol.ErrUnauthorized, "Authorization Required.")
	}

	normalized, err := handlers.normalization.Normalize(ctx, req, session)
	if err != nil {
		return protocol.ResponseData{}, err
	}
	// normalization may retarget the request
	handlers, err = p.registry.resolve(normalized)
	if err != nil {
		return protocol.ResponseData{}, err
	}

	if err := handlers.validation.Validate(ctx, normalized, session); err != nil {
		return protocol.ResponseData{}, protocol.NewError(protocol.ErrBadRequest, "Validation Failed. "+errorMessage(err))
	}

	res, err := handlers.wrapper.WrapExecution(ctx, normalized, session, p.execute)
	if err != nil {
		return protocol.ResponseData{}, err
	}

	p.publishVersionDiffs(ctx, normalized, res)
	return res, nil
}

func errorMessage(err error) string {
	var serverErr *protocol.Error
	if errors.As(err, &serverErr) {
		return serverErr.Message
	}
	return err.Error()
}

func (p *Pipeline) execute(ctx context.Context, req protocol.RequestData, session *protocol.Session) (protocol.ResponseData, error) {
	switch req.Method {
	case protocol.MethodFind:
		return run(ctx, req, p.client.Find)
	case protocol.MethodFindOne:
		return run(ctx, req, p.client.FindOne)
	case protocol.MethodGet:
		return run(ctx, req, p.client.Get)
	case protocol.MethodGetByIDs:
		return run(ctx, req, p.client.GetByIDs)
	case protocol.MethodPull:
		return run(ctx, req, p.client.Pull)
	case protocol.MethodInsertOne:
		return run(ctx, req, p.client.InsertOne)
	case protocol.MethodInsertMulti:
		return run(ctx, req, p.client.InsertMulti)
	case protocol.MethodInsertAndGet:
		return run(ctx, req, p.client.InsertAndGet)
	case protocol.MethodInsertAndGetMulti:
		return run(ctx, req, p.client.InsertAndGetMulti)
	case protocol.MethodUpdateByID:
		return run(ctx, req, p.client.UpdateByID)
	case protocol.MethodUpdateMulti:
		return run(ctx, req, p.client.UpdateMulti)
	case protocol.MethodUpdateAndGet:
		return run(ctx, req, p.client.UpdateAndGet)
	case protocol.MethodUpdateAndFetch:
		return run(ctx, req, p.client.UpdateAndFetch)
	case protocol.MethodPush:
		return run(ctx, req, p.client.Push)
	case protocol.MethodDelete:
		return run(ctx, req, p.client.Delete)

	case protocol.MethodRunCustomQuery:
		return run(ctx, req, func(ctx context.Context, query protocol.CustomQuery) (protocol.CustomQueryResult, error) {
			handlers, err := p.registry.customQuery(query.Name)
			if err != nil {
				return protocol.CustomQueryResult{}, err
			}
			return handlers.execution.RunCustomQuery(ctx, query, session)
		})

	case protocol.MethodRunCustomCommand:
		return run(ctx, req, func(ctx context.Context, command protocol.CustomCommand) (protocol.CustomCommandResult, error) {
			handlers, err := p.registry.customCommand(command.Name)
			if err != nil {
				return protocol.CustomCommandResult{}, err
			}
			return handlers.execution.RunCustomCommand(ctx, command, session)
		})

	case protocol.MethodLogin:
		return run(ctx, req, func(ctx context.Context, command protocol.LoginCommand) (protocol.LoginCommandResult, error) {
			return p.login(ctx, command, session)
		})

	case protocol.MethodLogout:
		return run(ctx, req, p.logout)
	}
	return protocol.ResponseData{}, protocol.NewError(protocol.ErrNotFound, "Invalid method name.")
}

// run decodes the payload into the method's command type, calls fn and
// encodes its result.
func run[C, R any](ctx context.Context, req protocol.RequestData, fn func(context.Context, C) (R, error)) (protocol.ResponseData, error) {
	var command C
	if err := req.Decode(&command); err != nil {
		return protocol.ResponseData{}, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("decode %s payload: %v", req.Method, err))
	}
	result, err := fn(ctx, command)
	if err != nil {
		return protocol.ResponseData{}, err
	}
	return protocol.NewResponse(req.Method, result)
}

func (p *Pipeline) login(ctx context.Context, command protocol.LoginCommand, session *protocol.Session) (protocol.LoginCommandResult, error) {
	user, err := p.registry.user(command.EntityName)
	if err != nil {
		return protocol.LoginCommandResult{}, err
	}
	result, err := user.authentication.Authenticate(ctx, command, session)
	if err != nil {
		return protocol.LoginCommandResult{}, err
	}
	pre := result.PreSession
	if pre.EntityName == "" {
		pre.EntityName = command.EntityName
	}
	created, err := p.sessions.Create(ctx, pre)
	if err != nil {
		return protocol.LoginCommandResult{}, fmt.Errorf("create session: %w", err)
	}
	return protocol.LoginCommandResult{
		OK:        1,
		User:      result.User,
		VersionID: result.VersionID,
		Session:   created,
	}, nil
}

// logout is strict: an unknown session id is a client error.
func (p *Pipeline) logout(ctx context.Context, command protocol.LogoutCommand) (protocol.LogoutCommandResult, error) {
	deleted, err := p.sessions.Delete(ctx, command.SessionID)
	if err != nil {
		return protocol.LogoutCommandResult{}, fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return protocol.LogoutCommandResult{}, protocol.NewError(protocol.ErrBadRequest, "sessionId not found")
	}
	return protocol.LogoutCommandResult{OK: 1}, nil
}

func (p *Pipeline) publishVersionDiffs(ctx context.Context, req protocol.RequestData, res protocol.ResponseData) {
	if p.publisher == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("version diff publish panic method=%s: %v", req.Method, recovered)
		}
	}()
	for _, diff := range versiondiff.Compute(req, res) {
		p.publisher.PublishVersionDiff(ctx, diff)
	}
}

// Wait blocks until background session work, such as purging expired
// sessions, has finished. Call it before closing the entity client.
func (p *Pipeline) Wait() {
	if waiter, ok := p.sessions.(interface{ Wait() }); ok {
		waiter.Wait()
	}
}

// DirectClient returns a transport that calls this pipeline in process.
func (p *Pipeline) DirectClient() *DirectClient {
	c := &DirectClient{handler: p}
	c.Client = apiclient.New(c)
	return c
}

type requestHandler interface {
	HandleRequestData(ctx context.Context, req protocol.RequestData) protocol.ResponseData
}

// DirectClient sends requests to a pipeline without a network hop. It never
// reports transport errors.
type DirectClient struct {
	*apiclient.Client
	handler requestHandler
}

func (c *DirectClient) HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
	return c.handler.HandleRequestData(ctx, req), nil
}
