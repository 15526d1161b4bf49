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
)

// Client talks to a running daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given bind address or URL.
func NewClient(address string) *Client {
	base := strings.TrimRight(address, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Status fetches the daemon summary.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Queue lists queue entries, optionally filtered by derived status.
func (c *Client) Queue(ctx context.Context, statuses ...string) ([]FileView, error) {
	query := url.Values{}
	for _, status := range statuses {
		query.Add("status", status)
	}
	var out QueueListResponse
	if err := c.get(ctx, "/api/queue", query, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Nodes lists registered nodes.
func (c *Client) Nodes(ctx context.Context) ([]NodeView, error) {
	var out NodeListResponse
	if err := c.get(ctx, "/api/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Libraries lists configured libraries.
func (c *Client) Libraries(ctx context.Context) ([]LibraryView, error) {
	var out LibraryListResponse
	if err := c.get(ctx, "/api/libraries", nil, &out); err != nil {
		return nil, err
	}
	return out.Libraries, nil
}

// UpsertLibrary creates or updates a library.
func (c *Client) UpsertLibrary(ctx context.Context, lib LibraryView) (*LibraryView, error) {
	var out LibraryView
	if err := c.post(ctx, "/api/libraries", lib, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteLibrary removes a library and its queue entries.
func (c *Client) DeleteLibrary(ctx context.Context, uid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/libraries/"+url.PathEscape(uid), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// RetryFailed requeues failed files; an empty list retries all.
func (c *Client) RetryFailed(ctx context.Context, uids []string) (int64, error) {
	var out RetryResponse
	if err := c.post(ctx, "/api/queue/retry", RetryRequest{UIDs: uids}, &out); err != nil {
		return 0, err
	}
	return out.Retried, nil
}

// Requeue retries a single failed entry by UID.
func (c *Client) Requeue(ctx context.Context, uid string) error {
	return c.post(ctx, "/api/queue/requeue/"+url.PathEscape(uid), nil, nil)
}

// SetUpdatePending toggles the pending-update dispatch gate.
func (c *Client) SetUpdatePending(ctx context.Context, pending bool) error {
	return c.post(ctx, "/api/update-pending", UpdatePendingRequest{Pending: pending}, nil)
}

// MoveToTop pins the given files to the front of the queue.
func (c *Client) MoveToTop(ctx context.Context, uids []string) error {
	return c.post(ctx, "/api/queue/move-to-top", MoveToTopRequest{UIDs: uids}, nil)
}

// Abort cancels a runner by runner, file, or node identifier.
func (c *Client) Abort(ctx context.Context, identifier string) error {
	return c.post(ctx, "/api/runner/abort", AbortRequest{Identifier: identifier}, nil)
}

// NextWork asks the daemon to reserve the node's next eligible file.
func (c *Client) NextWork(ctx context.Context, nodeUID, nodeVersion string) (*NextWorkResponse, error) {
	var out NextWorkResponse
	req := NextWorkRequest{NodeUID: nodeUID, NodeVersion: nodeVersion}
	if err := c.post(ctx, "/api/work/next", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunnerStart announces a new execution.
func (c *Client) RunnerStart(ctx context.Context, snap RunnerSnapshot) error {
	return c.post(ctx, "/api/runner/start", snap, nil)
}

// RunnerUpdate reports execution progress.
func (c *Client) RunnerUpdate(ctx context.Context, snap RunnerSnapshot) error {
	return c.post(ctx, "/api/runner/update", snap, nil)
}

// RunnerFinish reports a completed execution.
func (c *Client) RunnerFinish(ctx context.Context, snap RunnerSnapshot) error {
	return c.post(ctx, "/api/runner/finish", snap, nil)
}

// RunnerHello sends a bare heartbeat.
func (c *Client) RunnerHello(ctx context.Context, runnerUID, nodeUID string) error {
	return c.post(ctx, "/api/runner/hello", HelloRequest{RunnerUID: runnerUID, NodeUID: nodeUID}, nil)
}

// RegisterNode creates or updates a node registration.
func (c *Client) RegisterNode(ctx context.Context, node NodeView) (*NodeView, error) {
	var out NodeView
	if err := c.post(ctx, "/api/nodes", node, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearNode drops a node's runners and requeues their files.
func (c *Client) ClearNode(ctx context.Context, nodeUID string) (int, error) {
	var out ClearNodeResponse
	if err := c.post(ctx, "/api/node/clear", ClearNodeRequest{NodeUID: nodeUID}, &out); err != nil {
		return 0, err
	}
	return out.Dropped, nil
}

// NodeEvents drains the node's pending command mailbox.
func (c *Client) NodeEvents(ctx context.Context, nodeUID string) ([]NodeEvent, error) {
	query := url.Values{"node": []string{nodeUID}}
	var out EventsResponse
	if err := c.get(ctx, "/api/node/events", query, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Pause stops handing out new work.
func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "/api/pause", nil, nil)
}

// Resume re-enables work distribution.
func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "/api/resume", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
