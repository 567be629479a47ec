// Package apiclient is the worker's HTTP client for the master.
package apiclient

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
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/query"
)

// DefaultTimeout bounds a single call to the master.
const DefaultTimeout = 30 * time.Second

const maxResponseSize = 64 << 20

var (
	// ErrNoWork is returned by Lease when the queue is empty.
	ErrNoWork = errors.New("no work available")
	// ErrUnauthorized is returned when the master rejects the session or secret.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrHandshake is returned when the master greets with something unexpected.
	ErrHandshake = errors.New("unexpected handshake response")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Body)
}

// Config captures the parameters required to reach the master.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one master. Register stores the access key used by every
// later call.
type Client struct {
	base   *url.URL
	client *http.Client

	mu  sync.RWMutex
	key string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("master url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse master url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("master url %q must be absolute", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: base,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// AccessKey returns the current session key, empty before Register.
func (c *Client) AccessKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Handshake checks that the master is reachable and speaks this protocol.
func (c *Client) Handshake(ctx context.Context) error {
	body, err := c.call(ctx, http.MethodGet, protocol.PathHandshake, nil, false)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if strings.TrimSpace(string(body)) != protocol.Greeting {
		return fmt.Errorf("handshake: %w: %q", ErrHandshake, truncate(body))
	}
	return nil
}

// Register trades the shared secret for a session key.
func (c *Client) Register(ctx context.Context, secret string) (string, error) {
	var env protocol.Envelope[protocol.Session]
	path := "/register/" + url.PathEscape(secret)
	if err := c.callJSON(ctx, http.MethodGet, path, nil, false, &env); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	if env.Data.AccessKey == "" {
		return "", fmt.Errorf("register: empty access key")
	}
	c.mu.Lock()
	c.key = env.Data.AccessKey
	c.mu.Unlock()
	return env.Data.AccessKey, nil
}

// Unregister drops the session. The stored key is cleared even on failure.
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, protocol.PathUnregister, nil, true)
	c.mu.Lock()
	c.key = ""
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

// Queries fetches the query set.
func (c *Client) Queries(ctx context.Context) ([]query.Record, error) {
	var env protocol.Envelope[protocol.QuerySet]
	if err := c.callJSON(ctx, http.MethodGet, protocol.PathQueries, nil, true, &env); err != nil {
		return nil, fmt.Errorf("fetch queries: %w", err)
	}
	return env.Data.Queries, nil
}

// Lease requests the next work item. ErrNoWork means the queue is empty.
func (c *Client) Lease(ctx context.Context) (protocol.WorkItem, error) {
	resp, err := c.do(ctx, http.MethodGet, protocol.PathSource, nil, true)
	if err != nil {
		return protocol.WorkItem{}, fmt.Errorf("lease work: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return protocol.WorkItem{}, ErrNoWork
	}
	body, err := readBody(protocol.PathSource, resp)
	if err != nil {
		return protocol.WorkItem{}, fmt.Errorf("lease work: %w", err)
	}
	var env protocol.Envelope[protocol.WorkItem]
	if err := json.Unmarshal(body, &env); err != nil {
		return protocol.WorkItem{}, fmt.Errorf("lease work: decode response: %w", err)
	}
	if env.Data.Location == "" {
		return protocol.WorkItem{}, ErrNoWork
	}
	return env.Data, nil
}

// PushOutputs delivers a batch and returns the master-wide accepted count.
func (c *Client) PushOutputs(ctx context.Context, batch output.Batch) (int64, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("encode outputs: %w", err)
	}
	var env protocol.Envelope[protocol.OutputAck]
	if err := c.callJSON(ctx, http.MethodPost, protocol.PathOutput, payload, true, &env); err != nil {
		return 0, fmt.Errorf("push outputs: %w", err)
	}
	return env.Data.NewOutputs, nil
}

// Complete marks a work item finished.
func (c *Client) Complete(ctx context.Context, id string) error {
	if _, err := c.call(ctx, http.MethodPost, "/complete_source/"+url.PathEscape(id), nil, true); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (c *Client) callJSON(ctx context.Context, method, path string, payload []byte, auth bool, into any) error {
	body, err := c.call(ctx, method, path, payload, auth)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, payload []byte, auth bool) ([]byte, error) {
	resp, err := c.do(ctx, method, path, payload, auth)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return readBody(path, resp)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, auth bool) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set(protocol.HeaderAccessKey, c.AccessKey())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func readBody(path string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnauthorized, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Path: path, Status: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

func truncate(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
