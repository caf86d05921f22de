package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/window"
)

// HTTPClient drives windows through the wmd REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func windowPath(id string, action string) string {
	p := "/api/windows/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *HTTPClient) List(ctx context.Context) ([]window.Info, error) {
	var out []window.Info
	if err := c.do(ctx, http.MethodGet, "/api/windows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*window.Info, error) {
	var out window.Info
	if err := c.do(ctx, http.MethodGet, windowPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Open creates a window. With wait set the call returns once the window
// is rendering its feed.
func (c *HTTPClient) Open(ctx context.Context, req window.OpenRequest, wait bool) (*window.Info, error) {
	path := "/api/windows"
	if !wait {
		path += "?wait=false"
	}
	var out window.Info
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, windowPath(id, ""), nil, nil)
}

func (c *HTTPClient) FeedSub(ctx context.Context, id, feed string, branches []string) error {
	body := map[string]any{"feed": feed, "branches": branches}
	return c.do(ctx, http.MethodPost, windowPath(id, "feed"), body, nil)
}

func (c *HTTPClient) BeginRender(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, windowPath(id, "begin-render"), nil, nil)
}

func (c *HTTPClient) Resend(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, windowPath(id, "resend"), nil, nil)
}

func (c *HTTPClient) Nav(ctx context.Context, id, route string) error {
	return c.do(ctx, http.MethodPost, windowPath(id, "nav"), map[string]string{"route": route}, nil)
}

func (c *HTTPClient) Dispatch(ctx context.Context, id string, action any) error {
	return c.do(ctx, http.MethodPost, windowPath(id, "dispatch"), map[string]any{"action": action}, nil)
}

func (c *HTTPClient) MoveToFront(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, windowPath(id, "front"), nil, nil)
}

func (c *HTTPClient) Bounds(ctx context.Context, id string) (host.Bounds, error) {
	var b host.Bounds
	err := c.do(ctx, http.MethodGet, windowPath(id, "bounds"), nil, &b)
	return b, err
}

func (c *HTTPClient) SetBounds(ctx context.Context, id string, b host.Bounds) error {
	return c.do(ctx, http.MethodPut, windowPath(id, "bounds"), b, nil)
}

// Run dispatches cmd on behalf of window id and returns its result.
func (c *HTTPClient) Run(ctx context.Context, id string, cmd store.Command) (any, error) {
	var out struct {
		Result any `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, windowPath(id, "cmd"), cmd, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
