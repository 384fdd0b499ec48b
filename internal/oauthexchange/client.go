package oauthexchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"

	defaultTimeout = 30 * time.Second
)

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each token request. Defaults to 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// Config describes the registered OAuth application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Endpoint     oauth2.Endpoint
	Scopes       []string
}

// TokenResponse is the provider's answer to a code or refresh exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Client exchanges authorization codes and refresh tokens at the provider's token endpoint.
type Client struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	tracer       trace.Tracer
}

// New creates a Client for the given OAuth application.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}
	if cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("token URL cannot be empty")
	}

	c := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	return &Client{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     cfg.Endpoint,
			Scopes:       cfg.Scopes,
		},
		httpClient: &http.Client{
			Timeout:   c.timeout,
			Transport: c.baseTransport,
		},
		tracer: otel.Tracer("github.com/florianilch/contextlinker/internal/oauthexchange"),
	}, nil
}

// AuthCodeURL returns the provider URL that starts the authorization flow.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth2Config.AuthCodeURL(state)
}

// ExchangeCode redeems a one-time authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	ctx, span := c.startSpan(ctx, grantTypeAuthorizationCode)
	defer span.End()

	tok, err := c.oauth2Config.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, c.fail(ctx, span, grantTypeAuthorizationCode, err)
	}

	return newTokenResponse(tok), nil
}

// Refresh mints a new access token from a refresh token. When the provider does
// not rotate refresh tokens, the supplied one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token cannot be empty")
	}

	ctx, span := c.startSpan(ctx, grantTypeRefreshToken)
	defer span.End()

	// An empty access token forces the token source to hit the endpoint
	src := c.oauth2Config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.fail(ctx, span, grantTypeRefreshToken, err)
	}

	resp := newTokenResponse(tok)
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

// withHTTPClient injects the configured HTTP client; oauth2 reads it from the context.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) startSpan(ctx context.Context, grantType string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "oauth token request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oauth.grant_type", grantType)),
	)
}

// fail converts oauth2 errors into the package's error contract and records them.
func (c *Client) fail(ctx context.Context, span trace.Span, grantType string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		upstream := &UpstreamAuthError{
			GrantType: grantType,
			Body:      string(rErr.Body),
			ErrorCode: rErr.ErrorCode,
			Err:       err,
		}
		if rErr.Response != nil {
			upstream.StatusCode = rErr.Response.StatusCode
		}
		slog.ErrorContext(ctx, "oauth token request rejected",
			"grant_type", grantType, "status", upstream.StatusCode, "body", upstream.Body)
		err = upstream
	} else {
		slog.ErrorContext(ctx, "oauth token request failed", "grant_type", grantType, "error", err)
		err = fmt.Errorf("%s grant: %w", grantType, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "token request failed")
	return err
}

func newTokenResponse(tok *oauth2.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
		TokenType:    tok.TokenType,
	}
}

// expiresIn recovers the wire lifetime. Older oauth2 releases only expose the
// computed Expiry, so fall back to the raw field and then to Expiry.
func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}

	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}

	if !tok.Expiry.IsZero() {
		return int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return 0
}
