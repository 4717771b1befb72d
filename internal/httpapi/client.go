package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"entitysync/server/internal/apiclient"
	"entitysync/server/internal/protocol"
)

// Client sends RequestData to a server's /api endpoint. HandleRequestData
// returns error responses as responses; only failures to get one are errors.
// The embedded typed methods return them as *protocol.Error.
type Client struct {
	*apiclient.Client
	endpoint   string
	httpClient *http.Client
}

// NewClient uses http.DefaultClient when httpClient is nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{endpoint: strings.TrimSuffix(baseURL, "/") + "/api", httpClient: httpClient}
	c.Client = apiclient.New(c)
	return c
}

func (c *Client) HandleRequestData(ctx context.Context, req protocol.RequestData) (protocol.ResponseData, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.ResponseData{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.ResponseData{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return protocol.ResponseData{}, fmt.Errorf("post %s: %w", req.Method, err)
	}
	defer resp.Body.Close()

	var res protocol.ResponseData
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return protocol.ResponseData{}, fmt.Errorf("decode %s response status=%d: %w", req.Method, resp.StatusCode, err)
	}
	return res, nil
}
