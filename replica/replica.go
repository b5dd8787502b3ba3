// Package replica talks to the storage nodes that hold durable copies of
// routed messages.
//
// Every operation fans out to all configured backends at once and waits for
// each of them to settle. A failing backend is logged and reported in the
// returned Report, but never turned into an error for the caller and never
// cancels its siblings.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kuno/models"
)

const (
	// DefaultTimeout bounds each write, fetch, and delete against one backend.
	DefaultTimeout = 5 * time.Second
	// DefaultHealthTimeout bounds a single health probe.
	DefaultHealthTimeout = 3 * time.Second

	maxResponseBytes = 8 << 20
)

// Options configures a Client.
type Options struct {
	Timeout       time.Duration
	HealthTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.HealthTimeout <= 0 {
		out.HealthTimeout = DefaultHealthTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Outcome is the settled result of one backend call.
type Outcome struct {
	Backend models.Backend
	Status  int
	Err     error
}

// OK reports whether the backend accepted the call.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report collects the outcome of a fan-out, one entry per backend in
// configuration order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded counts backends that accepted the call.
func (r Report) Succeeded() int {
	n := 0
	for _, outcome := range r.Outcomes {
		if outcome.OK() {
			n++
		}
	}
	return n
}

// Failed counts backends that did not.
func (r Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Health is the result of probing one backend's /health endpoint.
type Health struct {
	Backend models.Backend `json:"backend"`
	Healthy bool           `json:"healthy"`
	Latency time.Duration  `json:"latency"`
	Error   string         `json:"error,omitempty"`
}

// Client fans requests out to a fixed list of storage backends.
type Client struct {
	backends []models.Backend
	options  Options
	log      *zap.Logger
}

// NewClient builds a Client. The backend list is copied and never changes.
func NewClient(backends []models.Backend, options Options) *Client {
	options = options.withDefaults()
	return &Client{
		backends: append([]models.Backend(nil), backends...),
		options:  options,
		log:      options.Logger.Named("replica"),
	}
}

// Backends returns the configured storage backends.
func (c *Client) Backends() []models.Backend {
	return append([]models.Backend(nil), c.backends...)
}

// Replicate writes a copy of message to every backend. delivered and a
// deliveredAt stamp are recorded on the copy; they never decide whether the
// write happens.
func (c *Client) Replicate(ctx context.Context, message models.RoutedMessage, delivered bool) Report {
	message.Delivered = delivered
	message.DeliveredAt = nil
	if delivered {
		deliveredAt := time.Now().UnixMilli()
		message.DeliveredAt = &deliveredAt
	}

	body, err := json.Marshal(message)
	if err != nil {
		report := Report{Outcomes: make([]Outcome, len(c.backends))}
		for i, backend := range c.backends {
			report.Outcomes[i] = Outcome{Backend: backend, Err: fmt.Errorf("encode message: %w", err)}
		}
		return report
	}

	report := c.fanOut(func(i int, backend models.Backend) Outcome {
		status, err := c.do(ctx, c.options.Timeout, http.MethodPost, backend, "/messages", body, nil)
		return Outcome{Backend: backend, Status: status, Err: err}
	})
	for _, outcome := range report.Outcomes {
		if !outcome.OK() {
			c.log.Warn("replicate to storage backend failed",
				zap.String("backend", outcome.Backend.ID),
				zap.String("message_id", message.ID),
				zap.Error(outcome.Err),
			)
		}
	}
	return report
}

// FetchPending collects messages addressed to accountID from every backend.
// A backend that fails contributes nothing. Copies are deduplicated by ID,
// keeping the copy from the earliest backend in configuration order, and the
// result is sorted by timestamp ascending.
func (c *Client) FetchPending(ctx context.Context, accountID string) []models.RoutedMessage {
	results := make([][]models.RoutedMessage, len(c.backends))

	c.fanOut(func(i int, backend models.Backend) Outcome {
		var response struct {
			Messages []models.RoutedMessage `json:"messages"`
		}
		path := "/messages/" + url.PathEscape(accountID)
		status, err := c.do(ctx, c.options.Timeout, http.MethodGet, backend, path, nil, &response)
		if err != nil {
			c.log.Warn("fetch from storage backend failed",
				zap.String("backend", backend.ID),
				zap.String("account_id", accountID),
				zap.Error(err),
			)
			return Outcome{Backend: backend, Status: status, Err: err}
		}
		results[i] = response.Messages
		return Outcome{Backend: backend, Status: status}
	})

	return mergePending(results)
}

// DeleteEverywhere removes message id from every backend. A 404 means the
// backend never held a copy and counts as settled. Failures are not retried.
func (c *Client) DeleteEverywhere(ctx context.Context, id string) Report {
	path := "/messages/" + url.PathEscape(id)
	report := c.fanOut(func(i int, backend models.Backend) Outcome {
		status, err := c.do(ctx, c.options.Timeout, http.MethodDelete, backend, path, nil, nil)
		if status == http.StatusNotFound {
			err = nil
		}
		return Outcome{Backend: backend, Status: status, Err: err}
	})
	for _, outcome := range report.Outcomes {
		if !outcome.OK() {
			c.log.Warn("delete from storage backend failed",
				zap.String("backend", outcome.Backend.ID),
				zap.String("message_id", id),
				zap.Error(outcome.Err),
			)
		}
	}
	return report
}

// CheckHealth probes /health on every backend.
func (c *Client) CheckHealth(ctx context.Context) []Health {
	health := make([]Health, len(c.backends))
	c.fanOut(func(i int, backend models.Backend) Outcome {
		started := time.Now()
		status, err := c.do(ctx, c.options.HealthTimeout, http.MethodGet, backend, "/health", nil, nil)
		health[i] = Health{Backend: backend, Healthy: err == nil, Latency: time.Since(started)}
		if err != nil {
			health[i].Error = err.Error()
		}
		return Outcome{Backend: backend, Status: status, Err: err}
	})
	return health
}

// fanOut runs call against every backend concurrently and waits for all of
// them. Tasks never return an error to the group, so no sibling is cancelled.
func (c *Client) fanOut(call func(i int, backend models.Backend) Outcome) Report {
	report := Report{Outcomes: make([]Outcome, len(c.backends))}

	var group errgroup.Group
	for i, backend := range c.backends {
		group.Go(func() error {
			report.Outcomes[i] = call(i, backend)
			return nil
		})
	}
	_ = group.Wait()

	return report
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method string, backend models.Backend, path string, body []byte, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(backend.URL, path), reader)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func mergePending(results [][]models.RoutedMessage) []models.RoutedMessage {
	seen := make(map[string]struct{})
	merged := make([]models.RoutedMessage, 0)
	for _, messages := range results {
		for _, message := range messages {
			if message.ID == "" {
				continue
			}
			if _, ok := seen[message.ID]; ok {
				continue
			}
			seen[message.ID] = struct{}{}
			merged = append(merged, message)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
