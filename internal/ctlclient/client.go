// Package ctlclient talks to a running daemon over its Unix domain socket.
package ctlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/gochat/internal/api"
)

// Error is a non-2xx reply from the daemon.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %s (status %d)", e.Message, e.Code)
}

// Client wraps HTTP requests to the daemon.
type Client struct {
	http *http.Client
	base string
}

// New returns a client for the daemon listening on socketPath. Nothing is
// dialled until the first request.
func New(socketPath string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: tr, Timeout: 30 * time.Second}, base: "http://gochatd"}
}

// NewHTTP returns a client for a daemon reachable at base, for tests.
func NewHTTP(base string, hc *http.Client) *Client {
	return &Client{http: hc, base: base}
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
}

func (c *Client) Connect(ctx context.Context, req api.ConnectRequest) (*api.StatusResponse, error) {
	var out api.StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/connect", req, &out)
}

func (c *Client) Disconnect(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/v1/disconnect", nil, &out)
}

func (c *Client) Presence(ctx context.Context) (*api.PresenceResponse, error) {
	var out api.PresenceResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/presence", nil, &out)
}

// Conversations lists live conversations, or archived ones when archived
// is set.
func (c *Client) Conversations(ctx context.Context, archived bool) ([]api.Conversation, error) {
	path := "/v1/conversations"
	if archived {
		path += "?source=" + api.SourceArchive
	}
	var out []api.Conversation
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Messages lists one conversation. limit only applies to the archive.
func (c *Client) Messages(ctx context.Context, key string, archived bool, limit int) ([]api.Message, error) {
	path := "/v1/conversations/" + url.PathEscape(key) + "/messages"
	if archived {
		q := url.Values{"source": {api.SourceArchive}}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path += "?" + q.Encode()
	}
	var out []api.Message
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) Send(ctx context.Context, key, text string) (*api.Message, error) {
	var out api.Message
	return &out, c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(key)+"/messages", api.SendRequest{Content: text}, &out)
}

func (c *Client) SendFile(ctx context.Context, key, path string) (*api.Message, error) {
	var out api.Message
	return &out, c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(key)+"/files", api.FileRequest{Path: path}, &out)
}

func (c *Client) Resend(ctx context.Context, localID string) (*api.Message, error) {
	var out api.Message
	return &out, c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(localID)+"/resend", nil, &out)
}

func (c *Client) Typing(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(key)+"/typing", nil, nil)
}

func (c *Client) History(ctx context.Context, key string, limit int) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(key)+"/history", api.HistoryRequest{Limit: limit}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(data))
		}
		return &Error{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
