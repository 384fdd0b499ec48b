package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/contextlinker/internal/app"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "manage the stored Asana authorization",
		Commands: []*cli.Command{
			{
				Name:   "url",
				Usage:  "print the URL that starts authorization",
				Action: authURLAction,
			},
			{
				Name:      "exchange",
				Usage:     "redeem an authorization code and store the credential",
				ArgsUsage: "[code]",
				Action:    authExchangeAction,
			},
			{
				Name:   "status",
				Usage:  "show whether a credential is stored and when it expires",
				Action: authStatusAction,
			},
		},
	}
}

// loadAuth loads configuration and builds the authorization components.
func loadAuth(ctx context.Context, cmd *cli.Command) (*app.Auth, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	shutdownLogs, err := instrument(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	flush := func() { _ = shutdownLogs(context.Background()) }

	auth, err := app.NewAuth(cfg)
	if err != nil {
		flush()
		return nil, nil, err
	}
	return auth, flush, nil
}

func authURLAction(ctx context.Context, cmd *cli.Command) error {
	auth, flush, err := loadAuth(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	_, err = fmt.Fprintln(cmd.Root().Writer, auth.Exchange.AuthCodeURL(uuid.NewString()))
	return err
}

func authExchangeAction(ctx context.Context, cmd *cli.Command) error {
	auth, flush, err := loadAuth(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	code := cmd.Args().First()
	if code == "" {
		code, err = promptCode(cmd.Root().Reader, cmd.Root().ErrWriter)
		if err != nil {
			return err
		}
	}

	resp, err := auth.Manager.HandleCallback(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange failed: %w", err)
	}

	_, err = fmt.Fprintf(cmd.Root().Writer, "authorized (token type %s, expires in %ds)\n", resp.TokenType, resp.ExpiresIn)
	return err
}

func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	auth, flush, err := loadAuth(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	out := cmd.Root().Writer
	record, ok := auth.Store.Load(ctx)
	if !ok {
		_, err = fmt.Fprintln(out, "not authorized: no stored credential")
		return err
	}

	expiresAt := record.ExpiresAt()
	state := "valid"
	if record.IsExpired(time.Now()) {
		state = "expired (refreshed on next use)"
	}
	_, err = fmt.Fprintf(out, "authorized: access token %s, expires at %s\n", state, expiresAt.Local().Format(time.RFC3339))
	return err
}

// promptCode reads the authorization code, hiding input when attached to a terminal.
func promptCode(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Authorization code: ")

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading code: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
