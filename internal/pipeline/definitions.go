package pipeline

import (
	"fmt"

	"entitysync/server/internal/protocol"
)

// EntityDefinition holds the handlers of one entity. Unset handlers fall
// back to AllowAll, Identity, NoValidation and DirectExecution.
type EntityDefinition struct {
	Authorization Authorizer
	Normalization Normalizer
	Validation    Validator
	WrapExecution ExecutionWrapper
}

// UserDefinition is an entity that users log in as.
type UserDefinition struct {
	EntityDefinition
	Authentication Authenticator
}

type CustomQueryDefinition struct {
	Authorization Authorizer
	Normalization Normalizer
	Validation    Validator
	Execution     CustomQueryExecutor
}

type CustomCommandDefinition struct {
	Authorization Authorizer
	Normalization Normalizer
	Validation    Validator
	Execution     CustomCommandExecutor
}

// Definitions registers everything the pipeline can serve. A name that is
// not registered here is a configuration error when a request uses it.
type Definitions struct {
	Users          map[string]UserDefinition
	NonUsers       map[string]EntityDefinition
	CustomQueries  map[string]CustomQueryDefinition
	CustomCommands map[string]CustomCommandDefinition
}

type handlerSet struct {
	authorization Authorizer
	normalization Normalizer
	validation    Validator
	wrapper       ExecutionWrapper
}

type userHandlers struct {
	handlerSet
	authentication Authenticator
}

type queryHandlers struct {
	handlerSet
	execution CustomQueryExecutor
}

type commandHandlers struct {
	handlerSet
	execution CustomCommandExecutor
}

// registry is Definitions with every default filled in.
type registry struct {
	nonUsers map[string]handlerSet
	users    map[string]userHandlers
	queries  map[string]queryHandlers
	commands map[string]commandHandlers
}

func newRegistry(defs Definitions) *registry {
	r := &registry{
		nonUsers: make(map[string]handlerSet, len(defs.NonUsers)),
		users:    make(map[string]userHandlers, len(defs.Users)),
		queries:  make(map[string]queryHandlers, len(defs.CustomQueries)),
		commands: make(map[string]commandHandlers, len(defs.CustomCommands)),
	}
	for name, def := range defs.NonUsers {
		r.nonUsers[name] = newHandlerSet(def.Authorization, def.Normalization, def.Validation, def.WrapExecution)
	}
	for name, def := range defs.Users {
		var authentication Authenticator = missingHandler{kind: "authentication", name: name}
		if def.Authentication != nil {
			authentication = def.Authentication
		}
		r.users[name] = userHandlers{
			handlerSet:     newHandlerSet(def.Authorization, def.Normalization, def.Validation, def.WrapExecution),
			authentication: authentication,
		}
	}
	for name, def := range defs.CustomQueries {
		var execution CustomQueryExecutor = missingHandler{kind: "custom query execution", name: name}
		if def.Execution != nil {
			execution = def.Execution
		}
		// custom queries are not wrapped
		r.queries[name] = queryHandlers{
			handlerSet: newHandlerSet(def.Authorization, def.Normalization, def.Validation, nil),
			execution:  execution,
		}
	}
	for name, def := range defs.CustomCommands {
		var execution CustomCommandExecutor = missingHandler{kind: "custom command execution", name: name}
		if def.Execution != nil {
			execution = def.Execution
		}
		r.commands[name] = commandHandlers{
			handlerSet: newHandlerSet(def.Authorization, def.Normalization, def.Validation, nil),
			execution:  execution,
		}
	}
	return r
}

func newHandlerSet(authorization Authorizer, normalization Normalizer, validation Validator, wrapper ExecutionWrapper) handlerSet {
	set := handlerSet{
		authorization: AllowAll,
		normalization: Identity,
		validation:    NoValidation,
		wrapper:       DirectExecution,
	}
	if authorization != nil {
		set.authorization = authorization
	}
	if normalization != nil {
		set.normalization = normalization
	}
	if validation != nil {
		set.validation = validation
	}
	if wrapper != nil {
		set.wrapper = wrapper
	}
	return set
}

// resolve picks the handlers responsible for req.
func (r *registry) resolve(req protocol.RequestData) (handlerSet, error) {
	switch {
	case req.Method.IsEntityMethod():
		return r.entity(req.EntityName())
	case req.Method == protocol.MethodRunCustomQuery:
		query, err := r.customQuery(req.CustomName())
		return query.handlerSet, err
	case req.Method == protocol.MethodRunCustomCommand:
		command, err := r.customCommand(req.CustomName())
		return command.handlerSet, err
	case req.Method == protocol.MethodLogin, req.Method == protocol.MethodLogout:
		user, err := r.user(req.EntityName())
		return user.handlerSet, err
	}
	return handlerSet{}, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("Invalid method name %q.", req.Method))
}

func (r *registry) entity(name string) (handlerSet, error) {
	if set, ok := r.nonUsers[name]; ok {
		return set, nil
	}
	if user, ok := r.users[name]; ok {
		return user.handlerSet, nil
	}
	return handlerSet{}, protocol.NewError(protocol.ErrServerError, fmt.Sprintf("Unknown entity name %q.", name))
}

func (r *registry) user(name string) (userHandlers, error) {
	if user, ok := r.users[name]; ok {
		return user, nil
	}
	return userHandlers{}, protocol.NewError(protocol.ErrServerError, fmt.Sprintf("Unknown user entity name %q.", name))
}

func (r *registry) customQuery(name string) (queryHandlers, error) {
	if query, ok := r.queries[name]; ok {
		return query, nil
	}
	return queryHandlers{}, protocol.NewError(protocol.ErrServerError, fmt.Sprintf("Unknown custom query name %q.", name))
}

func (r *registry) customCommand(name string) (commandHandlers, error) {
	if command, ok := r.commands[name]; ok {
		return command, nil
	}
	return commandHandlers{}, protocol.NewError(protocol.ErrServerError, fmt.Sprintf("Unknown custom command name %q.", name))
}
