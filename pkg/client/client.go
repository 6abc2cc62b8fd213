// Package client is the Go SDK for the archodex backend: report
// submission for agents and snapshot queries for tooling.
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

	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/query"
	"github.com/archodex/backend/pkg/report"
	"github.com/archodex/backend/pkg/resource"
)

// Client talks to one archodex backend deployment.
type Client struct {
	endpoint   string
	reportKey  string
	adminToken string
	backoff    Backoff
	retries    int
	http       *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithReportKey sets the bearer credential used for report submission.
func WithReportKey(value string) Option {
	return func(c *Client) { c.reportKey = value }
}

// WithAdminToken sets the bearer credential used for the management
// and query endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithBackoff overrides the retry schedule for report submission.
func WithBackoff(backoff Backoff, retries int) Option {
	return func(c *Client) {
		c.backoff = backoff
		c.retries = retries
	}
}

// NewClient creates a new archodex client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint: endpoint,
		backoff:  ExpBackoff(100*time.Millisecond, 5*time.Second),
		retries:  3,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status is the health endpoint response.
type Status struct {
	Status string `json:"status"`
}

// Health checks the health of the backend.
func (c *Client) Health(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/v1/health", "", &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// SubmitReport sends one report. Server-side failures (5xx) and network
// errors are retried with backoff; rejections (4xx) are returned
// immediately since the payload will not become valid by retrying.
func (c *Client) SubmitReport(ctx context.Context, req *report.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := c.trySubmit(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("report submission failed after %d attempts: %w", c.retries+1, lastErr)
}

func (c *Client) trySubmit(ctx context.Context, body []byte) (retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/report", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.reportKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.reportKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("server error: %s", responseError(resp))
	}
	return false, fmt.Errorf("report rejected: %s", responseError(resp))
}

// Snapshot fetches a graph snapshot for the given filter.
func (c *Client) Snapshot(ctx context.Context, filter query.Filter) (*graph.Snapshot, error) {
	var snap graph.Snapshot
	if err := c.get(ctx, "/v1/query/"+string(filter), "", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PrincipalChain fetches one chain record by id.
func (c *Client) PrincipalChain(ctx context.Context, id graph.PrincipalChainID) (*graph.PrincipalChain, error) {
	var chain graph.PrincipalChain
	rawQuery := url.Values{"id": []string{id.Key()}}.Encode()
	if err := c.get(ctx, "/v1/principal-chain", rawQuery, &chain); err != nil {
		return nil, err
	}
	return &chain, nil
}

// SetEnvironments replaces a resource's environment assignments.
func (c *Client) SetEnvironments(ctx context.Context, id resource.ID, environments []string) error {
	body, err := json.Marshal(map[string]any{
		"id":           id,
		"environments": environments,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/resource/environments", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAdminAuth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set environments failed: %s", responseError(resp))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) get(ctx context.Context, path, rawQuery string, out any) error {
	target := c.endpoint + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.setAdminAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, responseError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setAdminAuth(req *http.Request) {
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
}

// responseError extracts the error detail from a failed response body.
func responseError(resp *http.Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	if body.Message != "" && body.Message != body.Error {
		return fmt.Sprintf("%s: %s", body.Error, body.Message)
	}
	return body.Error
}
