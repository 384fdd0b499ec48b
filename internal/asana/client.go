// Package asana posts comments (stories) on Asana tasks.
package asana

import (
	"bytes"
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
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Asana REST API root.
const DefaultBaseURL = "https://app.asana.com/api/1.0"

const maxErrorBody = 4 << 10

// DownstreamPostError is returned when Asana rejects a comment or cannot be reached.
type DownstreamPostError struct {
	TaskGID string
	// StatusCode is zero when no response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *DownstreamPostError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("posting comment on task %s: status %d: %s", e.TaskGID, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("posting comment on task %s: %v", e.TaskGID, e.Err)
}

func (e *DownstreamPostError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, e.g. for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTransport sets the base transport beneath the bearer-token transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each request. Defaults to 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// Client is an Asana API client authorizing each call with a caller-supplied token.
type Client struct {
	baseURL       string
	baseTransport http.RoundTripper
	timeout       time.Duration
	tracer        trace.Tracer
}

// New creates a Client.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:       DefaultBaseURL,
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
		tracer:        otel.Tracer("github.com/florianilch/contextlinker/internal/asana"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := url.ParseRequestURI(c.baseURL); err != nil {
		return nil, fmt.Errorf("invalid Asana API URL: %w", err)
	}
	return c, nil
}

type storyRequest struct {
	Data storyData `json:"data"`
}

type storyData struct {
	Text string `json:"text"`
}

// CreateStory adds a comment with the given text to a task.
// Any response status >= 400 fails with *DownstreamPostError.
func (c *Client) CreateStory(ctx context.Context, token *oauth2.Token, taskGID, text string) error {
	ctx, span := c.tracer.Start(ctx, "create task story",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("asana.task_gid", taskGID)),
	)
	defer span.End()

	if err := c.createStory(ctx, token, taskGID, text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "story creation failed")
		slog.ErrorContext(ctx, "failed to post comment", "task_gid", taskGID, "error", err)
		return err
	}
	return nil
}

func (c *Client) createStory(ctx context.Context, token *oauth2.Token, taskGID, text string) error {
	body, err := json.Marshal(storyRequest{Data: storyData{Text: text}})
	if err != nil {
		return &DownstreamPostError{TaskGID: taskGID, Err: err}
	}

	endpoint := c.baseURL + "/tasks/" + url.PathEscape(taskGID) + "/stories"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DownstreamPostError{TaskGID: taskGID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// oauth2.Transport sets "Authorization: Bearer <access token>"
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(token),
			Base:   c.baseTransport,
		},
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &DownstreamPostError{TaskGID: taskGID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DownstreamPostError{
			TaskGID:    taskGID,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
