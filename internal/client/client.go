// Package client talks to the approval API on behalf of wallet-side
// processes.
package client

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

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
)

const defaultTimeout = 10 * time.Second

// Client is an HTTP client for the approval API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Poll fetches the pending approval requests.
func (c *Client) Poll(ctx context.Context) ([]api.ApprovalRequest, error) {
	var resp api.PollResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/approval/poll", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

// Respond submits a decision. The returned response describes the
// server's outcome; err is set only when the server could not be reached
// or answered with something other than an approval API response.
func (c *Client) Respond(ctx context.Context, req api.DecisionRequest) (*api.DecisionResponse, int, error) {
	var resp api.DecisionResponse
	status, err := c.do(ctx, http.MethodPost, "/api/approval/respond", req, &resp)
	if err != nil {
		return nil, status, err
	}
	return &resp, status, nil
}

// Decide submits d for id with the same result contract as
// approval.Store.Decide: true only if this call recorded the decision,
// false if another decision won, approval.ErrUnknownApprovalID or
// approval.ErrAbandoned when the store refused it. Any other error means
// the decision may not have reached the server.
func (c *Client) Decide(ctx context.Context, id string, d approval.Decision) (bool, error) {
	resp, status, err := c.Respond(ctx, api.DecisionRequest{
		ApprovalID:      id,
		Approved:        d.Approved,
		SignedArtifact:  d.SignedArtifact,
		RejectionReason: d.RejectionReason,
	})
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return resp.Success, nil
	case http.StatusConflict:
		return false, nil
	case http.StatusNotFound:
		return false, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, id)
	case http.StatusGone:
		return false, fmt.Errorf("%w: %s", approval.ErrAbandoned, id)
	}
	return false, &StatusError{Code: status, Message: resp.Message + ": " + resp.Error}
}

// Recorded returns the decision the server recorded for id, with the same
// errors as approval.Store.Recorded.
func (c *Client) Recorded(ctx context.Context, id string) (*approval.Decision, error) {
	var resp api.RecordedDecision
	status, err := c.do(ctx, http.MethodGet, "/api/approval/"+url.PathEscape(id)+"/decision", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, id)
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Message: resp.Error}
	}
	switch approval.Status(resp.Status) {
	case approval.StatusPending:
		return nil, approval.ErrNotDecided
	case approval.StatusAbandoned:
		return nil, approval.ErrAbandoned
	}
	d := approval.Decision{
		Approved:        resp.Approved,
		SignedArtifact:  resp.SignedArtifact,
		RejectionReason: resp.RejectionReason,
	}
	if resp.DecidedAt != nil {
		d.DecidedAt = *resp.DecidedAt
	}
	return &d, nil
}

// Status fetches the server status summary.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/approval/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MockRequest asks the server to start a mock task awaiting approval.
func (c *Client) MockRequest(ctx context.Context, req api.MockRequest) (*api.MockRequestResponse, error) {
	var resp api.MockRequestResponse
	status, err := c.do(ctx, http.MethodPost, "/api/approval/mock-request", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return &resp, &StatusError{Code: status, Message: resp.Error}
	}
	return &resp, nil
}

// Check dry-runs the approval policy against a payload.
func (c *Client) Check(ctx context.Context, req api.CheckRequest) (*api.CheckResponse, error) {
	var resp api.CheckResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/check", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status}
	}
	return &resp, nil
}

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("approval server returned %d", e.Code)
	}
	return fmt.Sprintf("approval server returned %d: %s", e.Code, e.Message)
}

// do sends body as JSON and decodes a JSON response into out regardless of
// status, since the approval API describes failures in the body. Server
// errors and undecodable bodies are returned as errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: "empty response"}
		}
		return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}
