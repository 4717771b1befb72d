package protocol

import (
	"errors"
	"net/http"
)

type ErrorType string

const (
	ErrBadRequest   ErrorType = "BadRequest"
	ErrUnauthorized ErrorType = "Unauthorized"
	ErrNotFound     ErrorType = "NotFound"
	ErrServerError  ErrorType = "ServerError"
	ErrUnknown      ErrorType = "Unknown"
)

const (
	AtServer = "server"
	AtLocal  = "local"
)

// Error is the classified failure carried by an error ResponseData.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	At      string    `json:"at,omitempty"`
}

func NewError(typ ErrorType, message string) *Error {
	return &Error{Type: typ, Message: message, At: AtServer}
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}

// AsError classifies err. Errors that already carry a classification keep it,
// everything else is Unknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var serverErr *Error
	if errors.As(err, &serverErr) {
		return serverErr
	}
	return &Error{Type: ErrUnknown, Message: err.Error(), At: AtServer}
}

// IsType reports whether err is classified as typ.
func IsType(err error, typ ErrorType) bool {
	var serverErr *Error
	return errors.As(err, &serverErr) && serverErr.Type == typ
}

// StatusCode maps an error classification to the HTTP status the transport
// renders it with.
func StatusCode(typ ErrorType) int {
	switch typ {
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
