// ABOUTME: Entry point for vrme-gateway, the meeting session server
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vrme/vrme-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
__   ___ __ _ __ ___   ___        __ _  __ _| |_ _____      ____ _ _   _
\ \ / / '__| '_ ' _ \ / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 \ V /| |  | | | | | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \_/ |_|  |_| |_| |_|\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                 |___/                             |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "vrme-gateway",
		Short:         "VRME meeting session gateway",
		Long:          "vrme-gateway hosts meeting sessions: authenticated clients create, join and broadcast to sessions, and listeners stream updates over WebSocket, SSE or gRPC.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.loadEnvFile()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: $VRME_CONFIG, ./config.yaml, ./config.toml or ~/.config/vrme/gateway.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env",
		"dotenv file loaded before the config; a missing file is ignored")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newBootstrapCmd(opts),
		newTokenCmd(opts),
		newRevokeCmd(opts),
		newSessionsCmd(opts),
		newHealthCmd(opts),
	)

	return rootCmd
}

// loadEnvFile exports the variables in the dotenv file without overriding
// ones already set, so ${VAR} expansion and VRME_* overrides can see them.
func (o *rootOptions) loadEnvFile() error {
	if o.envFile == "" {
		return nil
	}
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", o.envFile, err)
	}
	return nil
}

// resolvedPath returns the --config flag or the first discovered config file.
func (o *rootOptions) resolvedPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.FindConfigPath()
}

// load reads and validates the configuration.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.resolvedPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
