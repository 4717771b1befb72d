// Package apiclient gives a request transport one typed method per pipeline
// method. A server rejection comes back as a *protocol.Error; any other error
// means the request may not have reached the server.
package apiclient

import (
	"context"

	"entitysync/server/internal/protocol"
)

type Transport interface {
	HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error)
}

type Client struct {
	transport Transport
}

func New(transport Transport) *Client {
	return &Client{transport: transport}
}

func call[P, R any](ctx context.Context, c *Client, method protocol.Method, payload P, sessionID string) (R, error) {
	var result R
	req, err := protocol.NewRequest(method, payload, sessionID)
	if err != nil {
		return result, err
	}
	res, err := c.transport.HandleRequestData(ctx, req)
	if err != nil {
		return result, err
	}
	if err := res.Decode(method, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) Find(ctx context.Context, query protocol.WhereQuery, sessionID string) (protocol.QueryResult, error) {
	return call[protocol.WhereQuery, protocol.QueryResult](ctx, c, protocol.MethodFind, query, sessionID)
}

func (c *Client) FindOne(ctx context.Context, query protocol.WhereQuery, sessionID string) (protocol.SingleQueryResult, error) {
	return call[protocol.WhereQuery, protocol.SingleQueryResult](ctx, c, protocol.MethodFindOne, query, sessionID)
}

func (c *Client) Get(ctx context.Context, query protocol.IDQuery, sessionID string) (protocol.SingleQueryResult, error) {
	return call[protocol.IDQuery, protocol.SingleQueryResult](ctx, c, protocol.MethodGet, query, sessionID)
}

func (c *Client) GetByIDs(ctx context.Context, query protocol.IDsQuery, sessionID string) (protocol.QueryResult, error) {
	return call[protocol.IDsQuery, protocol.QueryResult](ctx, c, protocol.MethodGetByIDs, query, sessionID)
}

func (c *Client) Pull(ctx context.Context, query protocol.PullQuery, sessionID string) (protocol.PullQueryResult, error) {
	return call[protocol.PullQuery, protocol.PullQueryResult](ctx, c, protocol.MethodPull, query, sessionID)
}

func (c *Client) InsertOne(ctx context.Context, command protocol.SingleInsertCommand, sessionID string) (protocol.SingleInsertCommandResult, error) {
	return call[protocol.SingleInsertCommand, protocol.SingleInsertCommandResult](ctx, c, protocol.MethodInsertOne, command, sessionID)
}

func (c *Client) InsertMulti(ctx context.Context, command protocol.MultiInsertCommand, sessionID string) (protocol.MultiInsertCommandResult, error) {
	return call[protocol.MultiInsertCommand, protocol.MultiInsertCommandResult](ctx, c, protocol.MethodInsertMulti, command, sessionID)
}

func (c *Client) InsertAndGet(ctx context.Context, command protocol.SingleInsertCommand, sessionID string) (protocol.GetCommandResult, error) {
	return call[protocol.SingleInsertCommand, protocol.GetCommandResult](ctx, c, protocol.MethodInsertAndGet, command, sessionID)
}

func (c *Client) InsertAndGetMulti(ctx context.Context, command protocol.MultiInsertCommand, sessionID string) (protocol.MultiValuesCommandResult, error) {
	return call[protocol.MultiInsertCommand, protocol.MultiValuesCommandResult](ctx, c, protocol.MethodInsertAndGetMulti, command, sessionID)
}

func (c *Client) UpdateByID(ctx context.Context, command protocol.IDUpdateCommand, sessionID string) (protocol.IDUpdateCommandResult, error) {
	return call[protocol.IDUpdateCommand, protocol.IDUpdateCommandResult](ctx, c, protocol.MethodUpdateByID, command, sessionID)
}

func (c *Client) UpdateMulti(ctx context.Context, command protocol.MultiUpdateCommand, sessionID string) (protocol.MultiUpdateCommandResult, error) {
	return call[protocol.MultiUpdateCommand, protocol.MultiUpdateCommandResult](ctx, c, protocol.MethodUpdateMulti, command, sessionID)
}

func (c *Client) UpdateAndGet(ctx context.Context, command protocol.IDUpdateCommand, sessionID string) (protocol.GetCommandResult, error) {
	return call[protocol.IDUpdateCommand, protocol.GetCommandResult](ctx, c, protocol.MethodUpdateAndGet, command, sessionID)
}

func (c *Client) UpdateAndFetch(ctx context.Context, command protocol.MultiUpdateCommand, sessionID string) (protocol.MultiValuesCommandResult, error) {
	return call[protocol.MultiUpdateCommand, protocol.MultiValuesCommandResult](ctx, c, protocol.MethodUpdateAndFetch, command, sessionID)
}

func (c *Client) Push(ctx context.Context, command protocol.PushCommand, sessionID string) (protocol.PushCommandResult, error) {
	return call[protocol.PushCommand, protocol.PushCommandResult](ctx, c, protocol.MethodPush, command, sessionID)
}

func (c *Client) Delete(ctx context.Context, command protocol.DeleteCommand, sessionID string) (protocol.DeleteCommandResult, error) {
	return call[protocol.DeleteCommand, protocol.DeleteCommandResult](ctx, c, protocol.MethodDelete, command, sessionID)
}

func (c *Client) RunCustomQuery(ctx context.Context, query protocol.CustomQuery, sessionID string) (protocol.CustomQueryResult, error) {
	return call[protocol.CustomQuery, protocol.CustomQueryResult](ctx, c, protocol.MethodRunCustomQuery, query, sessionID)
}

func (c *Client) RunCustomCommand(ctx context.Context, command protocol.CustomCommand, sessionID string) (protocol.CustomCommandResult, error) {
	return call[protocol.CustomCommand, protocol.CustomCommandResult](ctx, c, protocol.MethodRunCustomCommand, command, sessionID)
}

// Login accepts an empty session id.
func (c *Client) Login(ctx context.Context, command protocol.LoginCommand, sessionID string) (protocol.LoginCommandResult, error) {
	return call[protocol.LoginCommand, protocol.LoginCommandResult](ctx, c, protocol.MethodLogin, command, sessionID)
}

func (c *Client) Logout(ctx context.Context, command protocol.LogoutCommand, sessionID string) (protocol.LogoutCommandResult, error) {
	return call[protocol.LogoutCommand, protocol.LogoutCommandResult](ctx, c, protocol.MethodLogout, command, sessionID)
}
