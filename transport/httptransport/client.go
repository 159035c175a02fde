package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncErrors "github.com/Swappnil85/finsync/errors"
)

// Limits defines size limits for HTTP bodies.
type Limits struct {
	// MaxBodyBytes caps the size of response bodies read from the server.
	MaxBodyBytes int64
}

// TokenSource supplies the bearer credential for a request. Credential
// issuance and refresh are external collaborators; the transport only
// attaches whatever it is handed.
type TokenSource func(ctx context.Context) (string, error)

// Client is the HTTP transport client for the sync engine.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	token   TokenSource
	logger  *slog.Logger
}

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithTimeout sets the per-call timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLimits sets the body size limits.
func WithLimits(l Limits) ClientOption {
	return func(c *Client) {
		c.limits = l
	}
}

// WithTokenSource sets the bearer credential source.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) {
		c.token = ts
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a new HTTP transport client with functional options.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 8 << 20, // 8MB
		},
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Push sends a batch of local changes. Resending the same BatchID after a
// lost acknowledgment returns the previously computed results.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, syncErrors.NewProtocolError(syncErrors.OpPush, fmt.Errorf("encode push request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, syncErrors.NewTransportError(syncErrors.OpPush, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp PushResponse
	if err := c.do(httpReq, syncErrors.OpPush, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull requests server changes after the given change-log sequence.
func (c *Client) Pull(ctx context.Context, since int64, limit int) (*PullResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, syncErrors.NewTransportError(syncErrors.OpPull, err)
	}

	var resp PullResponse
	if err := c.do(httpReq, syncErrors.OpPull, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do executes the request and maps transport-level failures into the typed
// taxonomy: network/timeout and 5xx are retryable transport errors, 401 is
// an auth error that pauses the session, other unexpected statuses and
// undecodable bodies are protocol errors.
func (c *Client) do(req *http.Request, op syncErrors.Operation, out interface{}) error {
	if c.token != nil {
		tok, err := c.token(req.Context())
		if err != nil {
			return syncErrors.NewAuthError(op, fmt.Errorf("credential source: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
	if err != nil {
		return syncErrors.NewTransportError(op, fmt.Errorf("read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusUnauthorized:
		return syncErrors.NewAuthError(op, fmt.Errorf("credential rejected: %s", errorMessage(body)))
	case resp.StatusCode == http.StatusConflict:
		return syncErrors.NewValidationError(op, fmt.Errorf("batch rejected: %s", errorMessage(body)))
	case resp.StatusCode >= 500:
		return syncErrors.NewTransportError(op, fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body)))
	default:
		return syncErrors.NewProtocolError(op, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorMessage(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return syncErrors.NewProtocolError(op, fmt.Errorf("decode response: %w", err))
	}

	c.logger.DebugContext(req.Context(), "transport call completed",
		slog.String("operation", string(op)),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)))

	return nil
}

func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
