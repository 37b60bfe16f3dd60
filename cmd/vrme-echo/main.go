// ABOUTME: Minimal echo participant for E2E testing: joins a session over gRPC and echoes broadcasts
// ABOUTME: Usage: vrme-echo --addr localhost:50051 --token <credential> [--session <id>]

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/gateway"
)

// echoPrefix marks replies so two echo participants never loop.
const echoPrefix = "echo: "

type options struct {
	addr      string
	token     string
	sessionID string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "vrme-echo",
		Short:        "Join a meeting session and echo every broadcast back to it",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("VRME_TOKEN")
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			return run(cmd.Context(), opts, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "localhost:50051", "gRPC server address")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer credential (default: $VRME_TOKEN)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session to join; a new one is created when empty")
	return cmd
}

func run(ctx context.Context, opts *options, out io.Writer, logger *slog.Logger) error {
	token := strings.TrimPrefix(strings.TrimSpace(opts.token), "Bearer ")
	cred, err := auth.ParseCredential(token, 0)
	if err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}

	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client := gateway.NewClient(conn, "Bearer "+token)

	var sessionID uuid.UUID
	if opts.sessionID == "" {
		info, err := client.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		sessionID = info.ID
	} else {
		if sessionID, err = uuid.Parse(opts.sessionID); err != nil {
			return fmt.Errorf("invalid session ID %q: %w", opts.sessionID, err)
		}
		if _, err := client.JoinSession(ctx, sessionID); err != nil {
			return fmt.Errorf("joining session: %w", err)
		}
	}
	fmt.Fprintln(out, sessionID)

	return echo(ctx, client, sessionID, cred.AccountID, logger)
}

// echo subscribes to the session and rebroadcasts every message sent by
// someone else until the listener closes or ctx ends.
func echo(ctx context.Context, client *gateway.Client, sessionID, self uuid.UUID, logger *slog.Logger) error {
	frames, err := client.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}

	for {
		f, err := frames.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch f.Type {
		case gateway.FrameSubscribed:
			logger.Info("listening", "session_id", sessionID, "listener_id", f.ListenerID)
			continue
		case gateway.FrameClosed:
			logger.Info("listener closed", "reason", f.Reason)
			return nil
		}

		if f.From == self.String() || strings.HasPrefix(string(f.Payload), echoPrefix) {
			continue
		}
		if f.Dropped > 0 {
			logger.Warn("missed updates", "dropped", f.Dropped)
		}

		logger.Info("received message", "seq", f.Seq, "from", f.From, "bytes", len(f.Payload))
		reply := append([]byte(echoPrefix), f.Payload...)
		if _, err := client.Broadcast(ctx, sessionID, f.ContentType, reply); err != nil {
			logger.Warn("echo failed", "seq", f.Seq, "error", err)
		}
	}
}
