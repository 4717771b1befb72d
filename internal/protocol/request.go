package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Method string

const (
	MethodFind              Method = "find"
	MethodFindOne           Method = "findOne"
	MethodGet               Method = "get"
	MethodGetByIDs          Method = "getByIds"
	MethodPull              Method = "pull"
	MethodInsertOne         Method = "insertOne"
	MethodInsertMulti       Method = "insertMulti"
	MethodInsertAndGet      Method = "insertAndGet"
	MethodInsertAndGetMulti Method = "insertAndGetMulti"
	MethodUpdateByID        Method = "updateById"
	MethodUpdateMulti       Method = "updateMulti"
	MethodUpdateAndGet      Method = "updateAndGet"
	MethodUpdateAndFetch    Method = "updateAndFetch"
	MethodPush              Method = "push"
	MethodDelete            Method = "delete"
	MethodRunCustomQuery    Method = "runCustomQuery"
	MethodRunCustomCommand  Method = "runCustomCommand"
	MethodLogin             Method = "login"
	MethodLogout            Method = "logout"
)

// IsEntityMethod reports whether the method targets an entity collection
// through the store capability.
func (m Method) IsEntityMethod() bool {
	switch m {
	case MethodFind, MethodFindOne, MethodGet, MethodGetByIDs, MethodPull,
		MethodInsertOne, MethodInsertMulti, MethodInsertAndGet, MethodInsertAndGetMulti,
		MethodUpdateByID, MethodUpdateMulti, MethodUpdateAndGet, MethodUpdateAndFetch,
		MethodPush, MethodDelete:
		return true
	}
	return false
}

// Known reports whether m is one of the methods above.
func (m Method) Known() bool {
	switch m {
	case MethodRunCustomQuery, MethodRunCustomCommand, MethodLogin, MethodLogout:
		return true
	}
	return m.IsEntityMethod()
}

// RequestData is one call into the pipeline. It is treated as immutable:
// normalization produces a new value instead of editing the payload.
type RequestData struct {
	Method    Method          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"sessionId,omitempty"`
}

func NewRequest(method Method, payload any, sessionID string) (RequestData, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RequestData{}, fmt.Errorf("encode %s payload: %w", method, err)
	}
	return RequestData{Method: method, Payload: raw, SessionID: sessionID}, nil
}

// Decode unmarshals the payload into target.
func (r RequestData) Decode(target any) error {
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return json.Unmarshal(r.Payload, target)
}

// WithPayload returns a copy of the request carrying a new payload.
func (r RequestData) WithPayload(payload any) (RequestData, error) {
	return NewRequest(r.Method, payload, r.SessionID)
}

// Validate checks the structure of the request before anything touches a
// session or a store. Unknown methods are let through; the pipeline answers
// them with NotFound.
func (r RequestData) Validate() error {
	if r.Method == "" {
		return NewError(ErrBadRequest, "method is required")
	}
	trimmed := bytes.TrimSpace(r.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return NewError(ErrBadRequest, fmt.Sprintf("payload of %s must be an object", r.Method))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return NewError(ErrBadRequest, fmt.Sprintf("payload of %s: %v", r.Method, err))
	}

	var required []string
	switch r.Method {
	case MethodFind, MethodFindOne, MethodInsertOne, MethodInsertAndGet:
		required = []string{"entityName"}
	case MethodInsertMulti, MethodInsertAndGetMulti:
		required = []string{"entityName", "values"}
	case MethodGet, MethodPull, MethodDelete:
		required = []string{"entityName", "id"}
	case MethodGetByIDs:
		required = []string{"entityName", "ids"}
	case MethodUpdateByID, MethodUpdateAndGet:
		required = []string{"entityName", "id", "operation"}
	case MethodUpdateMulti, MethodUpdateAndFetch:
		required = []string{"entityName", "ids", "operation"}
	case MethodPush:
		required = []string{"entityName", "id", "operations"}
	case MethodRunCustomQuery, MethodRunCustomCommand:
		required = []string{"name"}
	case MethodLogin:
		required = []string{"entityName", "credentials"}
	case MethodLogout:
		required = []string{"entityName", "sessionId"}
	}
	for _, name := range required {
		value, ok := fields[name]
		if !ok || isEmptyJSON(value) {
			return NewError(ErrBadRequest, fmt.Sprintf("%s is required in %s payload", name, r.Method))
		}
	}
	return nil
}

// EntityName extracts payload.entityName without decoding the rest.
func (r RequestData) EntityName() string {
	var target struct {
		EntityName string `json:"entityName"`
	}
	_ = json.Unmarshal(r.Payload, &target)
	return target.EntityName
}

// CustomName extracts payload.name for custom queries and commands.
func (r RequestData) CustomName() string {
	var target struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(r.Payload, &target)
	return target.Name
}

func isEmptyJSON(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}

const responseTypeError = "error"

// ResponseData carries either a method result or an error, never both.
type ResponseData struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewResponse(method Method, payload any) (ResponseData, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ResponseData{}, fmt.Errorf("encode %s result: %w", method, err)
	}
	return ResponseData{Type: string(method), Payload: raw}, nil
}

// ErrorResponse converts any error into an error response.
func ErrorResponse(err error) ResponseData {
	serverErr := AsError(err)
	raw, marshalErr := json.Marshal(serverErr)
	if marshalErr != nil {
		raw = []byte(`{"type":"Unknown","message":"unencodable error"}`)
	}
	return ResponseData{Type: responseTypeError, Payload: raw}
}

func (r ResponseData) IsError() bool {
	return r.Type == responseTypeError
}

// Err returns the error carried by an error response, or nil.
func (r ResponseData) Err() *Error {
	if !r.IsError() {
		return nil
	}
	var serverErr Error
	if err := json.Unmarshal(r.Payload, &serverErr); err != nil {
		return &Error{Type: ErrUnknown, Message: fmt.Sprintf("undecodable error payload: %v", err), At: AtLocal}
	}
	return &serverErr
}

// Decode unmarshals a success payload into target. Error responses and
// responses of another method are returned as errors.
func (r ResponseData) Decode(method Method, target any) error {
	if serverErr := r.Err(); serverErr != nil {
		return serverErr
	}
	if r.Type != string(method) {
		return &Error{Type: ErrUnknown, Message: fmt.Sprintf("Unexpected response type %q.", r.Type), At: AtLocal}
	}
	return json.Unmarshal(r.Payload, target)
}
