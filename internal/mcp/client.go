// Package mcp fetches named context blobs from the context-retrieval service.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// ContextFetchError is returned when the context service cannot deliver a context.
type ContextFetchError struct {
	Name string
	// StatusCode is zero when no response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *ContextFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching context %q: status %d: %s", e.Name, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("fetching context %q: %v", e.Name, e.Err)
}

func (e *ContextFetchError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// Client talks to the context service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
}

// New creates a Client for the service at baseURL. A trailing slash is ignored.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid context service URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid context service URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tracer:     otel.Tracer("github.com/florianilch/contextlinker/internal/mcp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured service location.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type contextResponse struct {
	ContextText string `json:"context_text"`
}

// FetchContext returns the text of the named context. A response without
// context_text yields an empty string.
func (c *Client) FetchContext(ctx context.Context, name string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "fetch context",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("mcp.context_name", name)),
	)
	defer span.End()

	text, err := c.fetch(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context fetch failed")
		slog.ErrorContext(ctx, "failed to fetch context", "context_name", name, "error", err)
		return "", err
	}
	return text, nil
}

func (c *Client) fetch(ctx context.Context, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", &ContextFetchError{Name: name, Err: fmt.Errorf("invalid context name")}
	}
	// JoinPath expects escaped elements
	endpoint := c.baseURL.JoinPath("contexts", url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", &ContextFetchError{Name: name, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ContextFetchError{Name: name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &ContextFetchError{
			Name:       name,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	var payload contextResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &ContextFetchError{Name: name, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return payload.ContextText, nil
}
