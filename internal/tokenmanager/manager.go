// Package tokenmanager hands out usable provider access tokens, refreshing and
// persisting them as they expire.
package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/contextlinker/internal/oauthexchange"
	"github.com/florianilch/contextlinker/internal/observability"
	"github.com/florianilch/contextlinker/internal/tokenstore"
)

// refreshKey identifies the single stored credential in the refresh group.
const refreshKey = "provider-token"

var (
	// ErrAuthenticationRequired means no usable credential exists and the user
	// must go through the authorization flow again.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrMissingCode is returned by HandleCallback for an empty authorization code.
	ErrMissingCode = errors.New("missing authorization code")
)

// Exchanger performs the provider's token grants.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code string) (*oauthexchange.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*oauthexchange.TokenResponse, error)
}

// Compile-time check to ensure the provider client satisfies Exchanger
var _ Exchanger = (*oauthexchange.Client)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithExpiryLeeway treats tokens as expired this long before their actual expiry.
// Zero keeps the strict comparison.
func WithExpiryLeeway(leeway time.Duration) Option {
	return func(m *Manager) {
		m.leeway = leeway
	}
}

// WithMetrics records refresh and exchange outcomes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager orchestrates load → expiry check → refresh → save for the stored credential.
type Manager struct {
	store     tokenstore.Store
	exchanger Exchanger

	now     func() time.Time
	leeway  time.Duration
	metrics *observability.Metrics
	tracer  trace.Tracer

	refreshGroup singleflight.Group
}

// New creates a Manager. No I/O is performed until the first call.
func New(store tokenstore.Store, exchanger Exchanger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if exchanger == nil {
		return nil, fmt.Errorf("missing token exchanger")
	}

	m := &Manager{
		store:     store,
		exchanger: exchanger,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/florianilch/contextlinker/internal/tokenmanager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.leeway < 0 {
		return nil, fmt.Errorf("expiry leeway cannot be negative")
	}

	return m, nil
}

// ValidToken returns a non-expired credential, refreshing it if necessary.
// Fails with an error matching ErrAuthenticationRequired when nothing is stored
// or the refresh is rejected.
func (m *Manager) ValidToken(ctx context.Context) (tokenstore.Record, error) {
	record, ok := m.store.Load(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return tokenstore.Record{}, err
		}
		m.metrics.AuthenticationRequired()
		return tokenstore.Record{}, fmt.Errorf("%w: no stored credentials", ErrAuthenticationRequired)
	}

	if !m.expired(record) {
		return record, nil
	}

	// Concurrent callers hitting the same expired token share one exchange.
	// The shared refresh must not be aborted by whichever caller started it.
	v, err, shared := m.refreshGroup.Do(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), record)
	})
	if err != nil {
		return tokenstore.Record{}, err
	}
	if shared {
		slog.DebugContext(ctx, "joined in-flight token refresh")
	}
	return v.(tokenstore.Record), nil
}

// HandleCallback redeems the authorization code from the OAuth redirect and
// persists the resulting credential.
func (m *Manager) HandleCallback(ctx context.Context, code string) (*oauthexchange.TokenResponse, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	resp, err := m.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		m.metrics.CodeExchanged(observability.ResultFailure)
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	m.metrics.CodeExchanged(observability.ResultSuccess)

	record := m.newRecord(resp, "")
	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	slog.InfoContext(ctx, "obtained provider tokens", "expires_at", record.ExpiresAt())
	return resp, nil
}

func (m *Manager) expired(record tokenstore.Record) bool {
	return record.IsExpired(m.now().Add(m.leeway))
}

// refresh exchanges the refresh token of stale and saves the result.
func (m *Manager) refresh(ctx context.Context, stale tokenstore.Record) (tokenstore.Record, error) {
	// A refresh that completed after our Load already left a usable record behind
	if current, ok := m.store.Load(ctx); ok {
		if !m.expired(current) {
			return current, nil
		}
		stale = current
	}

	ctx, span := m.tracer.Start(ctx, "refresh access token")
	defer span.End()

	started := time.Now()
	resp, err := m.exchanger.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		m.metrics.TokenRefreshed(observability.ResultFailure, time.Since(started).Seconds())
		m.metrics.AuthenticationRequired()
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		slog.WarnContext(ctx, "token refresh failed, re-authorization required", "error", err)
		return tokenstore.Record{}, fmt.Errorf("%w: refreshing access token: %w", ErrAuthenticationRequired, err)
	}
	m.metrics.TokenRefreshed(observability.ResultSuccess, time.Since(started).Seconds())

	record := m.newRecord(resp, stale.RefreshToken)
	if err := m.store.Save(ctx, record); err != nil {
		// The fresh access token is still usable; the next expiry refreshes from the old record
		slog.ErrorContext(ctx, "failed to persist refreshed token", "error", err)
		return record, nil
	}

	slog.InfoContext(ctx, "access token refreshed", "expires_at", record.ExpiresAt())
	return record, nil
}

// newRecord builds the record for a successful grant, issued now.
func (m *Manager) newRecord(resp *oauthexchange.TokenResponse, fallbackRefreshToken string) tokenstore.Record {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = fallbackRefreshToken
	}
	return tokenstore.Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    tokenstore.ClampExpiresIn(resp.ExpiresIn),
		IssuedAt:     m.now().UTC(),
	}
}
