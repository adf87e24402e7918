// Package probe implements §6.6's HTTP health probe, used by the scheduled
// driver's site/server/system health-check jobs.
package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	sharedhttp "github.com/wp-autoheal/orchestrator/pkg/shared/http"
)

// Result is the outcome of probing a single URL.
type Result struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client probes HTTP endpoints with a bounded timeout and response size.
type Client struct {
	http       *http.Client
	maxBodyLen int64
}

// New builds a Client with timeout governing both connect and read phases.
func New(timeout time.Duration) *Client {
	return &Client{
		http:       sharedhttp.NewClient(sharedhttp.ProbeClientConfig(timeout)),
		maxBodyLen: 64 * 1024,
	}
}

// Probe issues a GET against url and reports whether it returned a 2xx
// status. Network errors and non-2xx statuses are reported in Result rather
// than returned as an error — a failed probe is a normal outcome, not an
// infrastructure failure.
func (c *Client) Probe(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyLen))
	return Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   string(body),
	}
}
