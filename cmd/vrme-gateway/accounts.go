// ABOUTME: Offline account commands: bootstrap, token, revoke and sessions
// ABOUTME: Operate directly on the configured database and credential backend

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/config"
	"github.com/vrme/vrme-gateway/internal/gateway"
	"github.com/vrme/vrme-gateway/internal/store"
)

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithTokenValidity(cfg.Auth.TokenValidity),
		store.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// openRedis connects to the Redis credential store when it is the configured
// backend. It returns nil otherwise.
func openRedis(ctx context.Context, cfg *config.Config) (*store.RedisCredentialStore, error) {
	if cfg.Auth.CredentialBackend != "redis" {
		return nil, nil
	}
	r, err := store.NewRedisCredentialStore(ctx, gateway.RedisOptions(cfg.Redis), cfg.Auth.TokenValidity, nil)
	if err != nil {
		return nil, fmt.Errorf("opening redis: %w", err)
	}
	return r, nil
}

type bootstrapOptions struct {
	name      string
	tokenFile string
}

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	bo := &bootstrapOptions{}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create an account and issue its session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runBootstrap(cmd.Context(), cfg, bo, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&bo.name, "name", "", "display name for the account (required)")
	cmd.Flags().StringVar(&bo.tokenFile, "token-file", "", "also write the bearer credential to this file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runBootstrap(ctx context.Context, cfg *config.Config, bo *bootstrapOptions, out io.Writer) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	acct, err := s.CreateAccount(ctx, bo.name)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	token, err := s.IssueToken(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	r, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if r != nil {
		defer r.Close()
		if err := r.Put(ctx, acct.Identity(), token); err != nil {
			return fmt.Errorf("publishing credential: %w", err)
		}
	}

	credential := auth.EncodeSessionCredential(acct.ID, token)
	if bo.tokenFile != "" {
		if err := os.MkdirAll(filepath.Dir(bo.tokenFile), 0o700); err != nil {
			return fmt.Errorf("creating token directory: %w", err)
		}
		if err := os.WriteFile(bo.tokenFile, []byte(credential+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
	}

	fmt.Fprintf(out, "Account:    %s (%s)\n", acct.DisplayName, acct.ID)
	fmt.Fprintf(out, "Backend:    %s\n", cfg.Auth.CredentialBackend)
	fmt.Fprintf(out, "Valid for:  %s since last use\n", cfg.Auth.TokenValidity)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Authorization header:")
	fmt.Fprintf(out, "  Bearer %s\n", credential)
	return nil
}

type tokenOptions struct {
	account string
	ttl     time.Duration
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	to := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for an existing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runToken(cmd.Context(), cfg, to, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&to.account, "account", "", "account ID (required)")
	cmd.Flags().DurationVar(&to.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runToken(ctx context.Context, cfg *config.Config, to *tokenOptions, out io.Writer) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	if to.ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	id, err := uuid.Parse(to.account)
	if err != nil {
		return fmt.Errorf("invalid account ID %q: %w", to.account, err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("looking up account: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(acct.Identity(), to.ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

func newRevokeCmd(opts *rootOptions) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke every session token and previously issued JWT of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runRevoke(cmd.Context(), cfg, account, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account ID (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runRevoke(ctx context.Context, cfg *config.Config, account string, out io.Writer) error {
	id, err := uuid.Parse(account)
	if err != nil {
		return fmt.Errorf("invalid account ID %q: %w", account, err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.RevokeTokens(ctx, id)
	if err != nil {
		return fmt.Errorf("revoking tokens: %w", err)
	}

	r, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if r != nil {
		defer r.Close()
		if err := r.Revoke(ctx, id); err != nil {
			return fmt.Errorf("revoking redis credential: %w", err)
		}
	}

	fmt.Fprintf(out, "revoked %d token(s) for %s\n", n, id)
	return nil
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent meeting sessions from the history table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runSessions(cmd.Context(), cfg, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list")
	return cmd
}

func runSessions(ctx context.Context, cfg *config.Config, limit int, out io.Writer) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.ListSessionRecords(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tOWNER\tCREATED\tCLOSED\tREASON")
	for _, rec := range records {
		closed, reason := "-", "-"
		if rec.DestroyedAt != nil {
			closed = rec.DestroyedAt.Local().Format(time.DateTime)
		}
		if rec.CloseReason != "" {
			reason = rec.CloseReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.OwnerID, rec.CreatedAt.Local().Format(time.DateTime), closed, reason)
	}
	return w.Flush()
}
