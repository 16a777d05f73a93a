// Package livechat is a thin client for the Rocket.Chat REST endpoints the
// connector needs: visitor registration, livechat rooms and messages, uploads,
// direct messages and channel posts.
package livechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrTransport marks failures to reach the backend at all.
var ErrTransport = errors.New("livechat transport error")

// Error codes returned by the backend that the connector reacts to.
const (
	ErrorRoomClosed    = "room-closed"
	ErrorInvalidRoom   = "invalid-room"
	ErrorInvalidToken  = "invalid-token"
	ErrorNoAgentOnline = "no-agent-online"
)

// Credentials identify a backend user for the X-User-Id / X-Auth-Token headers.
type Credentials struct {
	UserID string
	Token  string
}

// Client talks to one backend as one user.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New builds a client for baseURL acting with the given credentials.
func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a backend reply. Transport failures are reported as errors,
// everything the backend answered is a Response.
type Response struct {
	StatusCode int
	OK         bool
	Body       []byte
}

// Get extracts a value from the JSON body.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// ErrorCode returns the backend "error" field.
func (r *Response) ErrorCode() string {
	return r.Get("error").String()
}

// ErrorType returns the backend "errorType" field.
func (r *Response) ErrorType() string {
	return r.Get("errorType").String()
}

// JSON returns the body as raw JSON, quoting it when it is not valid JSON.
func (r *Response) JSON() json.RawMessage {
	if gjson.ValidBytes(r.Body) && len(bytes.TrimSpace(r.Body)) > 0 {
		return json.RawMessage(r.Body)
	}
	quoted, _ := json.Marshal(string(r.Body))
	return quoted
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/api/v1/" + strings.TrimLeft(path, "/")
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*Response, error) {
	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	if c.creds.UserID != "" {
		req.Header.Set("X-User-Id", c.creds.UserID)
		req.Header.Set("X-Auth-Token", c.creds.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, req.URL.Path, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if success := gjson.GetBytes(body, "success"); success.Exists() && !success.Bool() {
		ok = false
	}
	return &Response{StatusCode: resp.StatusCode, OK: ok, Body: body}, nil
}
