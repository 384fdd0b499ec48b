package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/contextlinker/internal/asana"
	"github.com/florianilch/contextlinker/internal/mcp"
	"github.com/florianilch/contextlinker/internal/oauthexchange"
	"github.com/florianilch/contextlinker/internal/tokenmanager"
)

type fakeCallback struct {
	resp     *oauthexchange.TokenResponse
	err      error
	gotCode  string
	numCalls int
}

func (f *fakeCallback) HandleCallback(_ context.Context, code string) (*oauthexchange.TokenResponse, error) {
	f.numCalls++
	f.gotCode = code
	if code == "" {
		return nil, tokenmanager.ErrMissingCode
	}
	return f.resp, f.err
}

type fakeAuthURLs struct{}

func (fakeAuthURLs) AuthCodeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
}

type fakeLinker struct {
	err         error
	taskGID     string
	contextName string
	numCalls    int
}

func (f *fakeLinker) Attach(_ context.Context, taskGID, contextName string) error {
	f.numCalls++
	f.taskGID, f.contextName = taskGID, contextName
	return f.err
}

func newTestServer(t *testing.T, callback *fakeCallback, linker *fakeLinker) *Server {
	t.Helper()
	s, err := New(Dependencies{
		Callback:     callback,
		AuthURLs:     fakeAuthURLs{},
		Linker:       linker,
		MCPServerURL: "http://mcp.internal:8080",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	require.NoError(t, err)
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestNew(t *testing.T) {
	_, err := New(Dependencies{AuthURLs: fakeAuthURLs{}, Linker: &fakeLinker{}})
	require.Error(t, err)
	_, err = New(Dependencies{Callback: &fakeCallback{}, Linker: &fakeLinker{}})
	require.Error(t, err)
	_, err = New(Dependencies{Callback: &fakeCallback{}, AuthURLs: fakeAuthURLs{}})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeCallback{}, &fakeLinker{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok", "mcp_server": "http://mcp.internal:8080"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, &fakeCallback{}, &fakeLinker{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestAuthorizeRedirectsWithState(t *testing.T) {
	s := newTestServer(t, &fakeCallback{}, &fakeLinker{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/asana/oauth/authorize", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, cookies[0].Value, location.Query().Get("state"))
}

func TestCallback(t *testing.T) {
	resp := &oauthexchange.TokenResponse{AccessToken: "at1", RefreshToken: "rt1", ExpiresIn: 3600, TokenType: "bearer"}

	tests := []struct {
		name       string
		target     string
		cookie     *http.Cookie
		callback   *fakeCallback
		wantStatus int
		wantCalls  int
	}{
		{
			name:       "code exchanged",
			target:     "/asana/oauth/callback?code=abc",
			callback:   &fakeCallback{resp: resp},
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "matching state",
			target:     "/asana/oauth/callback?code=abc&state=s1",
			cookie:     &http.Cookie{Name: stateCookieName, Value: "s1"},
			callback:   &fakeCallback{resp: resp},
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "mismatched state",
			target:     "/asana/oauth/callback?code=abc&state=forged",
			cookie:     &http.Cookie{Name: stateCookieName, Value: "s1"},
			callback:   &fakeCallback{resp: resp},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing code",
			target:     "/asana/oauth/callback",
			callback:   &fakeCallback{resp: resp},
			wantStatus: http.StatusBadRequest,
			wantCalls:  1,
		},
		{
			name:       "provider denied access",
			target:     "/asana/oauth/callback?error=access_denied",
			callback:   &fakeCallback{resp: resp},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "exchange rejected",
			target: "/asana/oauth/callback?code=expired",
			callback: &fakeCallback{err: fmt.Errorf("exchanging authorization code: %w",
				&oauthexchange.UpstreamAuthError{StatusCode: http.StatusBadRequest})},
			wantStatus: http.StatusBadGateway,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.callback, &fakeLinker{})

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rec := serve(s, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalls, tt.callback.numCalls)
			if rec.Code == http.StatusOK {
				assert.JSONEq(t, `{"status": "authorized", "token_type": "bearer", "expires_in": 3600}`, rec.Body.String())
				assert.NotContains(t, rec.Body.String(), "at1", "tokens are not echoed")
				assert.Equal(t, "abc", tt.callback.gotCode)
			}
		})
	}
}

func TestCallbackCodeNotInAccessLog(t *testing.T) {
	var logs bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	callback := &fakeCallback{resp: &oauthexchange.TokenResponse{TokenType: "bearer", ExpiresIn: 3600}}
	s := newTestServer(t, callback, &fakeLinker{})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/asana/oauth/callback?code=SECRETCODE123&state=s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SECRETCODE123", callback.gotCode, "handler still sees the query")

	assert.Contains(t, logs.String(), "/asana/oauth/callback")
	assert.NotContains(t, logs.String(), "SECRETCODE123")
}

func TestAttachContext(t *testing.T) {
	linker := &fakeLinker{}
	s := newTestServer(t, &fakeCallback{}, linker)

	body := `{"task_gid": "12345", "context_name": "foo"}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/asana/attach-context", strings.NewReader(body)))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "12345", linker.taskGID)
	assert.Equal(t, "foo", linker.contextName)
}

func TestAttachContextInvalidRequest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"not json", `task_gid=1`, http.StatusBadRequest},
		{"missing task", `{"context_name": "foo"}`, http.StatusUnprocessableEntity},
		{"missing context", `{"task_gid": "12345"}`, http.StatusUnprocessableEntity},
		{"non numeric task", `{"task_gid": "abc", "context_name": "foo"}`, http.StatusUnprocessableEntity},
		{"dot dot context", `{"task_gid": "12345", "context_name": ".."}`, http.StatusUnprocessableEntity},
		{"too large", `{"task_gid": "12345", "context_name": "` + strings.Repeat("a", maxRequestBody) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			linker := &fakeLinker{}
			s := newTestServer(t, &fakeCallback{}, linker)

			rec := serve(s, httptest.NewRequest(http.MethodPost, "/asana/attach-context", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
			assert.Zero(t, linker.numCalls)
		})
	}
}

func TestAttachContextFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "authentication required",
			err:        fmt.Errorf("resolving credentials: %w", tokenmanager.ErrAuthenticationRequired),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "mcp failure",
			err:        &mcp.ContextFetchError{Name: "foo", Err: errors.New("not found")},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "task not found forwarded",
			err:        &asana.DownstreamPostError{TaskGID: "12345", StatusCode: http.StatusNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "asana rejects credential",
			err:        &asana.DownstreamPostError{TaskGID: "12345", StatusCode: http.StatusUnauthorized},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "asana server error",
			err:        &asana.DownstreamPostError{TaskGID: "12345", StatusCode: http.StatusServiceUnavailable},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unexpected error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeCallback{}, &fakeLinker{err: tt.err})

			body := `{"task_gid": "12345", "context_name": "foo"}`
			rec := serve(s, httptest.NewRequest(http.MethodPost, "/asana/attach-context", strings.NewReader(body)))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
		})
	}
}

type panickingLinker struct{}

func (panickingLinker) Attach(context.Context, string, string) error {
	panic("unexpected")
}

func TestRecovery(t *testing.T) {
	s, err := New(Dependencies{Callback: &fakeCallback{}, AuthURLs: fakeAuthURLs{}, Linker: panickingLinker{}})
	require.NoError(t, err)

	body := `{"task_gid": "12345", "context_name": "foo"}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/asana/attach-context", strings.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, &fakeCallback{}, &fakeLinker{})

	errCh, err := s.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	_, open := <-errCh
	assert.False(t, open, "error channel closed without error after graceful shutdown")
}
