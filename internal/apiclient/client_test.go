package apiclient

import (
	"context"
	"errors"
	"testing"

	"entitysync/server/internal/protocol"
)

type transportFunc func(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error)

func (f transportFunc) HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
	return f(ctx, req)
}

func TestCallSendsMethodPayloadAndSession(t *testing.T) {
	var sent protocol.RequestData
	client := New(transportFunc(func(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
		sent = req
		return protocol.NewResponse(protocol.MethodGet, protocol.SingleQueryResult{OK: 1, Entity: protocol.Entity(`{"id":"1"}`), VersionID: "v1"})
	}))

	result, err := client.Get(t.Context(), protocol.IDQuery{EntityName: "task", ID: "1"}, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sent.Method != protocol.MethodGet || sent.SessionID != "s1" {
		t.Fatalf("sent %s with session %q", sent.Method, sent.SessionID)
	}
	var query protocol.IDQuery
	if err := sent.Decode(&query); err != nil || query.ID != "1" {
		t.Fatalf("payload %s: %v", sent.Payload, err)
	}
	if result.VersionID != "v1" {
		t.Fatalf("version: got %q", result.VersionID)
	}
}

func TestErrorResponseIsProtocolError(t *testing.T) {
	client := New(transportFunc(func(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
		return protocol.ErrorResponse(protocol.NewError(protocol.ErrNotFound, "no such task")), nil
	}))

	_, err := client.Delete(t.Context(), protocol.DeleteCommand{EntityName: "task", ID: "1"}, "")
	var serverErr *protocol.Error
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected *protocol.Error, got %v", err)
	}
	if serverErr.Type != protocol.ErrNotFound || serverErr.At != protocol.AtServer {
		t.Fatalf("got %+v", serverErr)
	}
}

func TestTransportErrorPassesThrough(t *testing.T) {
	down := errors.New("connection refused")
	client := New(transportFunc(func(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
		return protocol.ResponseData{}, down
	}))

	_, err := client.Find(t.Context(), protocol.WhereQuery{EntityName: "task"}, "")
	if !errors.Is(err, down) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var serverErr *protocol.Error
	if errors.As(err, &serverErr) {
		t.Fatalf("transport error reported as server error: %v", err)
	}
}

func TestMismatchedResponseType(t *testing.T) {
	client := New(transportFunc(func(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
		return protocol.NewResponse(protocol.MethodFind, protocol.QueryResult{OK: 1})
	}))

	_, err := client.Logout(t.Context(), protocol.LogoutCommand{EntityName: "user", SessionID: "s1"}, "s1")
	var serverErr *protocol.Error
	if !errors.As(err, &serverErr) || serverErr.At != protocol.AtLocal {
		t.Fatalf("expected local error, got %v", err)
	}
}
