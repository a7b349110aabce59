// Package liveness talks to a controller's session-status and health
// endpoints. Response bodies are parsed by an ordered list of named
// strategies; a body no strategy accepts is ambiguous and never
// becomes an empty session set.
package liveness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/muxherd/muxherd/internal/model"
)

const maxBodyBytes int64 = 1 << 20

// RequestError reports a non-2xx controller reply. Transport failures
// are returned as wrapped errors instead.
type RequestError struct {
	StatusCode int
	URL        string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("controller returned %d for %s", e.StatusCode, e.URL)
}

// Client queries one controller base URL.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New builds a client for baseURL. A nil httpc gets a 5s-timeout
// default.
func New(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}
}

// BaseURL returns the normalized controller endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Sessions fetches the controller's session-status map. Absence of a
// session id from the result is not an error; it means "not currently
// present". An unparseable body returns model.ErrAmbiguousResponse.
func (c *Client) Sessions(ctx context.Context) (map[string]model.StatusTag, error) {
	body, err := c.get(ctx, "/v1/sessions")
	if err != nil {
		return nil, err
	}
	return ParseSessions(body)
}

// Healthy probes the controller's health endpoint; nil means a 2xx
// reply.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.get(ctx, "/health")
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controller %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read controller reply %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{StatusCode: resp.StatusCode, URL: url}
	}
	return body, nil
}
