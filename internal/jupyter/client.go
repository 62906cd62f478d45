// Package jupyter is a small client for the REST surface of a Jupyter server.
package jupyter

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
	"strings"
	"time"
)

// Kernel is a kernel as reported by the server.
type Kernel struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ExecutionState string    `json:"execution_state,omitempty"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	Connections    int       `json:"connections,omitempty"`
}

// HTTPError is a non-success response from the server.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to one server instance.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient creates a client for the server listening on host:port.
func NewClient(host string, port int, token string) *Client {
	return &Client{
		base:  &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))},
		token: token,
		http:  &http.Client{},
	}
}

// NewClientURL creates a client for the server at rawURL, e.g. an httptest server.
func NewClientURL(rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{base: u, token: token, http: &http.Client{}}, nil
}

// BaseURL returns the server's base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// AuthHeader returns the headers that authenticate a request, for websocket dials.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

// ChannelsURL is the websocket endpoint of a kernel for the given session.
func (c *Client) ChannelsURL(kernelID, sessionID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Status checks liveness with GET /api/status, falling back to GET /api. The first
// success wins.
func (c *Client) Status(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if fallbackErr := c.do(ctx, http.MethodGet, "/api", nil, nil); fallbackErr != nil {
		return fmt.Errorf("%v; fallback: %w", err, fallbackErr)
	}
	return nil
}

// ListKernels returns the kernels currently running on the server.
func (c *Client) ListKernels(ctx context.Context) ([]Kernel, error) {
	var kernels []Kernel
	if err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &kernels); err != nil {
		return nil, err
	}
	return kernels, nil
}

// CreateKernel starts a kernel from the named spec.
func (c *Client) CreateKernel(ctx context.Context, specName string) (*Kernel, error) {
	var k Kernel
	body := map[string]string{"name": specName}
	if err := c.do(ctx, http.MethodPost, "/api/kernels", body, &k); err != nil {
		return nil, err
	}
	if k.ID == "" {
		return nil, fmt.Errorf("server returned a kernel without id")
	}
	return &k, nil
}

// InterruptKernel interrupts the kernel's current execution.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

// ShutdownKernel stops a kernel.
func (c *Client) ShutdownKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil)
}
