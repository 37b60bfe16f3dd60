// ABOUTME: health command: checks the running gateway's liveness and readiness endpoints
// ABOUTME: Exits non-zero unless both report 200

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				addr = cfg.Server.HTTPAddr
			}
			return runHealth(cmd.Context(), "http://"+dialableAddr(addr), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address of the gateway (default: server.http_addr)")
	return cmd
}

// dialableAddr rewrites a wildcard listen address to loopback.
func dialableAddr(addr string) string {
	for _, wildcard := range []string{"0.0.0.0:", "[::]:"} {
		if strings.HasPrefix(addr, wildcard) {
			return "127.0.0.1:" + strings.TrimPrefix(addr, wildcard)
		}
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func runHealth(ctx context.Context, baseURL string, out io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/health", "/health/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(out, "%-14s %s\n", path, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, "healthy")
	return nil
}
