// Package linker attaches named MCP contexts to Asana tasks.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/florianilch/contextlinker/internal/asana"
	"github.com/florianilch/contextlinker/internal/mcp"
	"github.com/florianilch/contextlinker/internal/observability"
	"github.com/florianilch/contextlinker/internal/tokenmanager"
	"github.com/florianilch/contextlinker/internal/tokenstore"
)

// Attachment outcomes reported to metrics.
const (
	outcomeSuccess            = "success"
	outcomeAuthRequired       = "authentication_required"
	outcomeContextFetchFailed = "context_fetch_failed"
	outcomePostFailed         = "post_failed"
	outcomeError              = "error"
)

// TokenProvider supplies a valid provider credential.
type TokenProvider interface {
	ValidToken(ctx context.Context) (tokenstore.Record, error)
}

// ContextFetcher retrieves context text by name.
type ContextFetcher interface {
	FetchContext(ctx context.Context, name string) (string, error)
}

// StoryPoster posts a comment on a task.
type StoryPoster interface {
	CreateStory(ctx context.Context, token *oauth2.Token, taskGID, text string) error
}

// Compile-time checks for the production collaborators
var (
	_ TokenProvider  = (*tokenmanager.Manager)(nil)
	_ ContextFetcher = (*mcp.Client)(nil)
	_ StoryPoster    = (*asana.Client)(nil)
)

// Linker performs the end-to-end attach action.
type Linker struct {
	tokens   TokenProvider
	contexts ContextFetcher
	stories  StoryPoster
	metrics  *observability.Metrics
}

// New creates a Linker. metrics may be nil.
func New(tokens TokenProvider, contexts ContextFetcher, stories StoryPoster, metrics *observability.Metrics) (*Linker, error) {
	if tokens == nil {
		return nil, fmt.Errorf("missing token provider")
	}
	if contexts == nil {
		return nil, fmt.Errorf("missing context fetcher")
	}
	if stories == nil {
		return nil, fmt.Errorf("missing story poster")
	}

	return &Linker{
		tokens:   tokens,
		contexts: contexts,
		stories:  stories,
		metrics:  metrics,
	}, nil
}

// Attach fetches the named context and posts it as a comment on the task.
// The credential is resolved first so a missing authorization fails before
// the context service is contacted. Each step is attempted once.
func (l *Linker) Attach(ctx context.Context, taskGID, contextName string) error {
	err := l.attach(ctx, taskGID, contextName)
	l.metrics.Attached(outcomeOf(err))
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "context attached", "task_gid", taskGID, "context_name", contextName)
	return nil
}

func (l *Linker) attach(ctx context.Context, taskGID, contextName string) error {
	record, err := l.tokens.ValidToken(ctx)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	text, err := l.contexts.FetchContext(ctx, contextName)
	if err != nil {
		return err
	}

	return l.stories.CreateStory(ctx, record.OAuth2Token(), taskGID, text)
}

func outcomeOf(err error) string {
	var (
		fetchErr *mcp.ContextFetchError
		postErr  *asana.DownstreamPostError
	)
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, tokenmanager.ErrAuthenticationRequired):
		return outcomeAuthRequired
	case errors.As(err, &fetchErr):
		return outcomeContextFetchFailed
	case errors.As(err, &postErr):
		return outcomePostFailed
	default:
		return outcomeError
	}
}
