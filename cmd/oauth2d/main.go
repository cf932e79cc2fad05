// Command oauth2d runs a standalone OAuth 2.0 authorization server and
// manages its registered clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("app", "oauth2d")

	cmd := newRootCommand(logger, level)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "oauth2d",
		Short:         "oauth2d is an OAuth 2.0 authorization server",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # In-memory store, users from an htpasswd file (tests/dev only)
  OAUTH2D_ISSUER=http://localhost:8080 OAUTH2D_HTPASSWD_FILE=./users oauth2d serve

  # Durable store with JWT access tokens
  OAUTH2D_STORE=sqlite OAUTH2D_STORE_PATH=/var/lib/oauth2d/oauth2d.db \
    OAUTH2D_JWT_KEY=$(openssl rand -hex 32) oauth2d serve --issuer https://auth.example.com

  # Shared Valkey store for several replicas
  OAUTH2D_STORE=valkey OAUTH2D_VALKEY_ADDR=valkey:6379 oauth2d serve

  # Register a confidential client
  OAUTH2D_STORE=sqlite oauth2d client create --name "My App" --scope "read write" \
    --redirect-uri https://app.example.com/callback
`,
	}

	cmd.AddCommand(
		newServeCommand(logger, level),
		newClientCommand(logger),
		newHTPasswdCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the oauth2d version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "oauth2d %s\n", version)
			return err
		},
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
