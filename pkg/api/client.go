package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/manager"
)

// remoteError is an error reported by the daemon. It unwraps to the sentinel
// matching its kind, so errors.Is works the same as in process.
type remoteError struct {
	message  string
	kind     string
	sentinel error
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.sentinel }

// Client talks to a daemon started with `cftunnel serve`.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ manager.Commander = (*Client)(nil)

// NewClient returns a client for the daemon listening on addr (host:port).
func NewClient(addr string) *Client {
	return &Client{baseURL: "http://" + addr, http: &http.Client{}}
}

// Ping checks that a daemon answers on the address.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var health struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("daemon reported status %q", health.Status)
	}
	return nil
}

// tunnelPath escapes name as one path segment. "+" is escaped too, since the
// server unescapes path values with query rules.
func tunnelPath(name string, suffix string) string {
	return "/api/tunnels/" + strings.ReplaceAll(url.PathEscape(name), "+", "%2B") + suffix
}

func (c *Client) List(ctx context.Context) ([]manager.TunnelView, error) {
	var views []manager.TunnelView
	err := c.do(ctx, http.MethodGet, "/api/tunnels", nil, &views)
	return views, err
}

func (c *Client) Add(ctx context.Context, cfg config.TunnelConfig) (manager.TunnelView, error) {
	var view manager.TunnelView
	err := c.do(ctx, http.MethodPost, "/api/tunnels", cfg, &view)
	return view, err
}

func (c *Client) Update(ctx context.Context, name string, patch config.Patch) (manager.TunnelView, error) {
	var view manager.TunnelView
	err := c.do(ctx, http.MethodPatch, tunnelPath(name, ""), patch, &view)
	return view, err
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, tunnelPath(name, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) (manager.TunnelView, error) {
	var view manager.TunnelView
	err := c.do(ctx, http.MethodPost, tunnelPath(name, "/start"), nil, &view)
	return view, err
}

func (c *Client) Stop(ctx context.Context, name string) (manager.TunnelView, error) {
	var view manager.TunnelView
	err := c.do(ctx, http.MethodPost, tunnelPath(name, "/stop"), nil, &view)
	return view, err
}

// do sends one request. On an error response the tunnel in the body, if any,
// is decoded into out as well.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read daemon response: %w", err)
	}

	if res.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(data, &eb); err != nil || eb.Error == "" {
			return fmt.Errorf("daemon returned %s", res.Status)
		}
		if eb.Tunnel != nil && out != nil {
			if view, ok := out.(*manager.TunnelView); ok {
				*view = *eb.Tunnel
			}
		}
		return &remoteError{message: eb.Error, kind: eb.Kind, sentinel: manager.SentinelForKind(eb.Kind, eb.Error)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse daemon response: %w", err)
	}
	return nil
}
