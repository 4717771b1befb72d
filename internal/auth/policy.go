package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"entitysync/server/internal/protocol"
)

// bindingFields tie a user record to an identity. Only login writes them.
var bindingFields = []string{"/id", "/externalId"}

// OwnUserRecord authorizes requests on the user entity. Anyone may read
// user records, log in and log out. A logged-in user may change and delete
// only their own record, and never its binding fields. Users are created by
// login, so inserts are refused.
type OwnUserRecord struct{}

func (OwnUserRecord) Authorize(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error) {
	switch req.Method {
	case protocol.MethodFind, protocol.MethodFindOne, protocol.MethodGet, protocol.MethodGetByIDs, protocol.MethodPull,
		protocol.MethodLogin, protocol.MethodLogout:
		return true, nil

	case protocol.MethodUpdateByID, protocol.MethodUpdateAndGet:
		var command protocol.IDUpdateCommand
		if err := decodeCommand(req, &command); err != nil {
			return false, err
		}
		return owns(session, command.EntityName, command.ID) && !touchesBinding(command.Operation), nil

	case protocol.MethodUpdateMulti, protocol.MethodUpdateAndFetch:
		var command protocol.MultiUpdateCommand
		if err := decodeCommand(req, &command); err != nil {
			return false, err
		}
		if len(command.IDs) == 0 || touchesBinding(command.Operation) {
			return false, nil
		}
		for _, id := range command.IDs {
			if !owns(session, command.EntityName, id) {
				return false, nil
			}
		}
		return true, nil

	case protocol.MethodPush:
		var command protocol.PushCommand
		if err := decodeCommand(req, &command); err != nil {
			return false, err
		}
		if !owns(session, command.EntityName, command.ID) {
			return false, nil
		}
		for _, op := range command.Operations {
			if touchesBinding(op) {
				return false, nil
			}
		}
		return true, nil

	case protocol.MethodDelete:
		var command protocol.DeleteCommand
		if err := decodeCommand(req, &command); err != nil {
			return false, err
		}
		return owns(session, command.EntityName, command.ID), nil
	}
	return false, nil
}

func owns(session *protocol.Session, entityName, id string) bool {
	return session != nil &&
		session.EntityName == entityName &&
		session.UserID != "" &&
		session.UserID == id
}

// touchesBinding reports whether any step of op reads or writes a binding
// field or replaces the whole document. Undecodable operations count as
// touching.
func touchesBinding(op protocol.Operation) bool {
	var steps []struct {
		Path string  `json:"path"`
		From *string `json:"from"`
	}
	if err := json.Unmarshal(op, &steps); err != nil {
		return true
	}
	for _, step := range steps {
		if isBindingPath(step.Path) || (step.From != nil && isBindingPath(*step.From)) {
			return true
		}
	}
	return false
}

func isBindingPath(path string) bool {
	if path == "" {
		return true
	}
	for _, field := range bindingFields {
		if path == field || strings.HasPrefix(path, field+"/") {
			return true
		}
	}
	return false
}

func decodeCommand(req protocol.RequestData, target any) error {
	if err := req.Decode(target); err != nil {
		return protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("decode %s payload: %v", req.Method, err))
	}
	return nil
}
