// Package sync provides the HTTP client for the remote sync service.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldbase/sitesync/internal/errors"
)

// ClientConfig holds remote sync service connection configuration.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per-call deadline, default 30s
}

// Client implements RemoteService over HTTP/JSON.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// pushRequest is the push endpoint's body.
type pushRequest struct {
	Changes []Change `json:"changes"`
}

// Client satisfies RemoteService.
var _ RemoteService = (*Client)(nil)

// NewClient creates a new remote sync service client.
func NewClient(config *ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Push sends one batch of queued changes. The server answers for the batch
// as a whole; any non-2xx status is a batch failure.
func (c *Client) Push(ctx context.Context, changes []Change) error {
	return c.do(ctx, http.MethodPost, "/v1/sync/push", pushRequest{Changes: changes}, nil)
}

// Pull fetches every change since the given watermark. An empty since asks
// for a full snapshot.
func (c *Client) Pull(ctx context.Context, since string) (*PullResponse, error) {
	path := "/v1/sync/pull"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}

	var out PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes one JSON request against the remote service.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, reader)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSyncTimeout, "remote request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		code := errors.ErrRemoteStatus
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = errors.ErrRemoteAuth
		}
		if msg != "" {
			return errors.New(code, "remote returned "+resp.Status+": "+msg)
		}
		return errors.New(code, "remote returned "+resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to decode response", err)
	}
	return nil
}

// readErrorBody extracts a server error message, if any.
func readErrorBody(r io.Reader) string {
	var eb struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&eb); err != nil {
		return ""
	}
	return strings.TrimSpace(eb.Error)
}
