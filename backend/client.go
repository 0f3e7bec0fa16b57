// Package backend is the HTTP client for the remote orchestrator: message
// forwarding, command acknowledgement, the sync fallback, and health.
// Every request carries the shared Bearer secret and the edge agent id so
// the backend can correlate requests with an active WebSocket session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/edgelink"
)

const (
	defaultTimeout = 60 * time.Second
	// retryStep is the linear pause between connection-error retries:
	// step × attempt.
	defaultRetryStep = 5 * time.Second
	// maxAttempts is total tries per call, not per-retry.
	maxAttempts = 2
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout overrides the 60 s request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryStep overrides the linear retry pause, for tests.
func WithRetryStep(d time.Duration) Option {
	return func(c *Client) { c.retryStep = d }
}

// WithPoolSize bounds concurrent connections to the backend host.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok && n > 0 {
			t.MaxConnsPerHost = n
		}
	}
}

// Client talks to the orchestrator over HTTPS with keep-alive pooling.
type Client struct {
	baseURL    string
	secret     string
	agentID    string
	httpClient *http.Client
	retryStep  time.Duration
	logger     *slog.Logger
}

// New creates a Client for the given base URL, shared secret and agent id.
func New(baseURL, secret, agentID string, opts ...Option) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     5,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		agentID:    agentID,
		httpClient: &http.Client{Transport: transport, Timeout: defaultTimeout},
		retryStep:  defaultRetryStep,
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AgentID returns the X-Edge-Agent-Id this client stamps on requests.
func (c *Client) AgentID() string { return c.agentID }

// ForwardMessage sends one inbound message to POST /edge/message and
// returns the backend's reply classification.
func (c *Client) ForwardMessage(ctx context.Context, req edgelink.ForwardRequest) (edgelink.ForwardResponse, error) {
	var resp edgelink.ForwardResponse
	if err := c.post(ctx, "/edge/message", req, &resp); err != nil {
		return edgelink.ForwardResponse{}, fmt.Errorf("forward message: %w", err)
	}
	return resp, nil
}

// AcknowledgeCommand reports a command outcome to POST /edge/command/ack.
func (c *Client) AcknowledgeCommand(ctx context.Context, commandID string, ok bool, errMsg string) error {
	body := struct {
		CommandID string `json:"command_id"`
		Success   bool   `json:"success"`
		Error     string `json:"error,omitempty"`
	}{commandID, ok, errMsg}
	if err := c.post(ctx, "/edge/command/ack", body, nil); err != nil {
		return fmt.Errorf("acknowledge command: %w", err)
	}
	return nil
}

// Sync polls POST /edge/sync, the fallback command path used while the
// WebSocket channel is down.
func (c *Client) Sync(ctx context.Context, req edgelink.SyncRequest) (edgelink.SyncResponse, error) {
	var resp edgelink.SyncResponse
	if err := c.post(ctx, "/edge/sync", req, &resp); err != nil {
		return edgelink.SyncResponse{}, fmt.Errorf("sync: %w", err)
	}
	return resp, nil
}

// Health probes GET /health (unauthenticated).
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// post issues an authenticated JSON POST with the retry policy: up to two
// attempts, connection errors retried after a linear pause, timeouts never
// retried (the backend may still be processing; a double send must be
// avoided).
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.doOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		pause := c.retryStep * time.Duration(attempt)
		c.logger.Warn("⚠️ backend: connection error, retrying",
			"path", path, "attempt", attempt, "pause", pause, "error", lastErr)
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("X-Edge-Agent-Id", c.agentID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			// Not retried: the backend is assumed to still be processing.
			c.logger.Error("❌ backend: request deadline exceeded", "path", path, "error", err)
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.Error("❌ backend: auth rejected", "path", path)
		return edgelink.ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return &edgelink.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &edgelink.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// retryable reports whether err is a connection-level failure (reset,
// refused). Timeouts and HTTP-level errors are not retryable here.
func retryable(err error) bool {
	if isTimeout(err) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
