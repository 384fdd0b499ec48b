package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/florianilch/contextlinker/internal/asana"
	"github.com/florianilch/contextlinker/internal/mcp"
	"github.com/florianilch/contextlinker/internal/tokenmanager"
)

const (
	stateCookieName = "contextlinker_oauth_state"
	stateCookiePath = "/asana/oauth"
	stateMaxAge     = 10 * 60

	authorizePath = "/asana/oauth/authorize"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	MCPServer string `json:"mcp_server"`
}

// CallbackResponse acknowledges a completed authorization without echoing secrets.
type CallbackResponse struct {
	Status    string `json:"status"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

// AttachContextRequest is the body of POST /asana/attach-context.
type AttachContextRequest struct {
	TaskGID     string `json:"task_gid" validate:"required,numeric,max=64"`
	ContextName string `json:"context_name" validate:"required,max=256,ne=.,ne=.."`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, HealthResponse{Status: "ok", MCPServer: s.deps.MCPServerURL}, http.StatusOK)
}

// handleAuthorize redirects to the provider with a fresh state bound to a cookie.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     stateCookiePath,
		MaxAge:   stateMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.deps.AuthURLs.AuthCodeURL(state), http.StatusFound)
}

// handleCallback redeems the authorization code. The state is only checked when
// the flow was started through handleAuthorize (state cookie present); flows
// started elsewhere, e.g. from the CLI, carry no cookie.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if oauthErr := query.Get("error"); oauthErr != "" {
		slog.WarnContext(ctx, "authorization denied by provider", "error", oauthErr)
		writeJSONError(ctx, w, "authorization denied: "+oauthErr, http.StatusBadRequest)
		return
	}

	if cookie, err := r.Cookie(stateCookieName); err == nil {
		if cookie.Value != query.Get("state") {
			writeJSONError(ctx, w, "invalid OAuth state", http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: stateCookiePath, MaxAge: -1})
	}

	resp, err := s.deps.Callback.HandleCallback(ctx, query.Get("code"))
	if err != nil {
		if errors.Is(err, tokenmanager.ErrMissingCode) {
			writeJSONError(ctx, w, "missing code parameter", http.StatusBadRequest)
			return
		}
		// The exchange client already logged upstream status and body
		slog.ErrorContext(ctx, "oauth callback failed", "error", err)
		writeJSONError(ctx, w, "failed to exchange OAuth code", http.StatusBadGateway)
		return
	}

	writeJSON(ctx, w, CallbackResponse{
		Status:    "authorized",
		TokenType: resp.TokenType,
		ExpiresIn: resp.ExpiresIn,
	}, http.StatusOK)
}

func (s *Server) handleAttachContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AttachContextRequest
	if err := decodeRequest(r, &req); err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			writeJSONError(ctx, w, reqErr.Error(), reqErr.status)
			return
		}
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "attach-context called", "task_gid", req.TaskGID, "context_name", req.ContextName)

	if err := s.deps.Linker.Attach(ctx, req.TaskGID, req.ContextName); err != nil {
		message, status := attachFailure(err)
		writeJSONError(ctx, w, message, status)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// attachFailure maps attach errors onto the response sent to the client.
func attachFailure(err error) (string, int) {
	var (
		fetchErr *mcp.ContextFetchError
		postErr  *asana.DownstreamPostError
	)
	switch {
	case errors.Is(err, tokenmanager.ErrAuthenticationRequired):
		return "missing credentials: authorize at " + authorizePath, http.StatusUnauthorized
	case errors.As(err, &fetchErr):
		return "failed to fetch context from MCP", http.StatusBadGateway
	case errors.As(err, &postErr):
		// Asana 4xx are forwarded except auth failures, which concern our credential
		status := postErr.StatusCode
		if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusForbidden {
			return "failed to post comment on task", status
		}
		return "failed to post comment on task", http.StatusBadGateway
	default:
		return http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError
	}
}
