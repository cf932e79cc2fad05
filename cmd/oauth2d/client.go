package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// clientView is the JSON rendering of a registered client
type clientView struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	UserID                  string    `json:"user_id,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	ResponseType            string    `json:"response_type"`
	GrantType               string    `json:"grant_type"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

func newClientView(c *storage.Client, secret string) clientView {
	return clientView{
		ClientID:                c.ClientID,
		ClientSecret:            secret,
		ClientName:              c.ClientName,
		UserID:                  c.UserID,
		Scope:                   c.Scope,
		ResponseType:            c.ResponseType,
		GrantType:               c.GrantType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RedirectURIs:            c.RedirectURIs,
		CreatedAt:               c.CreatedAt.UTC(),
	}
}

func newClientCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth clients in the configured store",
	}
	cmd.AddCommand(
		newClientCreateCommand(logger),
		newClientListCommand(logger),
		newClientDeleteCommand(logger),
	)
	return cmd
}

// withClientStore opens the configured durable store for a client command
func withClientStore(ctx context.Context, logger *slog.Logger, fn func(*server.Server) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.Store == storeMemory {
		return fmt.Errorf("client commands need a durable store, set OAUTH2D_STORE=%s or %s", storeSQLite, storeValkey)
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	srv, err := server.New(store, nil, nil, &server.Config{
		Issuer:            cfg.Issuer,
		AllowInsecureHTTP: cfg.AllowInsecure,
	}, logger)
	if err != nil {
		return err
	}
	return fn(srv)
}

func newClientCreateCommand(logger *slog.Logger) *cobra.Command {
	var reg server.ClientRegistration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client and print its credentials",
		Long: `Register a client and print its credentials as JSON.

The client secret is only shown once; the store keeps a bcrypt hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientStore(cmd.Context(), logger, func(srv *server.Server) error {
				client, secret, err := srv.RegisterClient(cmd.Context(), reg)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), newClientView(client, secret))
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&reg.Name, "name", "", "human readable client name")
	f.StringVar(&reg.UserID, "user", "", "owning user ID")
	f.StringVar(&reg.Scope, "scope", "", "space separated scope ceiling")
	f.StringVar(&reg.ResponseType, "response-type", "", "code or token (default code)")
	f.StringVar(&reg.GrantType, "grant-type", "", "authorization_code, implicit, password or client_credentials (default authorization_code)")
	f.StringVar(&reg.TokenEndpointAuthMethod, "auth-method", "", "client_secret_basic, client_secret_post or none")
	f.StringArrayVar(&reg.RedirectURIs, "redirect-uri", nil, "registered redirect URI (repeatable)")
	f.BoolVar(&reg.Public, "public", false, "register a public client without a secret")
	return cmd
}

func newClientListCommand(logger *slog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientStore(cmd.Context(), logger, func(srv *server.Server) error {
				clients, err := srv.Store().ListClients(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]clientView, 0, len(clients))
					for _, c := range clients {
						views = append(views, newClientView(c, ""))
					}
					return writeJSON(cmd.OutOrStdout(), views)
				}
				return writeClientTable(cmd.OutOrStdout(), clients)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newClientDeleteCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID...",
		Short: "Delete clients together with their tokens and authorization codes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientStore(cmd.Context(), logger, func(srv *server.Server) error {
				for _, id := range args {
					if err := srv.DeleteClient(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func writeClientTable(out io.Writer, clients []*storage.Client) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tNAME\tGRANT TYPE\tAUTH METHOD\tSCOPE\tREDIRECT URIS")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ClientID, c.ClientName, c.GrantType, c.TokenEndpointAuthMethod,
			c.Scope, strings.Join(c.RedirectURIs, ","))
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
