// ABOUTME: init command: writes a new YAML config file from interactive answers
// ABOUTME: Generates a random JWT secret when JWT credentials are enabled

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// initAnswers is everything runInit asks for.
type initAnswers struct {
	grpcAddr    string
	httpAddr    string
	dbPath      string
	backend     string
	redisAddr   string
	jwtSecret   string
	logLevel    string
	logFormat   string
	maxSessions string
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), defaultConfigPath(opts), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file without asking")
	return cmd
}

func defaultConfigPath(opts *rootOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "vrme", "gateway.yaml")
	}
	return "config.yaml"
}

func defaultDataPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "vrme", "gateway.db")
	}
	return "vrme.db"
}

func runInit(in io.Reader, out io.Writer, defaultPath string, force bool) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "vrme-gateway configuration setup")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultPath)

	if _, err := os.Stat(outputFile); err == nil && !force {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.grpcAddr = prompt(reader, out, "gRPC address", "localhost:50051")
	a.httpAddr = prompt(reader, out, "HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.dbPath = prompt(reader, out, "SQLite database path", defaultDataPath())

	fmt.Fprintln(out, "\n--- Credentials ---")
	a.backend = strings.ToLower(prompt(reader, out, "Credential backend (sqlite/redis)", "sqlite"))
	if a.backend != "sqlite" && a.backend != "redis" {
		return fmt.Errorf("credential backend must be sqlite or redis, got %q", a.backend)
	}
	if a.backend == "redis" {
		a.redisAddr = prompt(reader, out, "Redis address", "localhost:6379")
	}
	if yes(prompt(reader, out, "Accept JWT bearer tokens?", "no")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.jwtSecret = secret
	}

	fmt.Fprintln(out, "\n--- Sessions ---")
	a.maxSessions = prompt(reader, out, "Maximum concurrent sessions (0 = unlimited)", "1000")
	if n, err := strconv.Atoi(a.maxSessions); err != nil || n < 0 {
		return fmt.Errorf("maximum sessions must be a non-negative integer, got %q", a.maxSessions)
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.dbPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  vrme-gateway --config %s bootstrap --name <your name>\n", outputFile)
	fmt.Fprintf(out, "  vrme-gateway --config %s serve\n", outputFile)

	return nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# vrme-gateway configuration\n")
	cfg.WriteString("# Generated by vrme-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	cfg.WriteString("  shutdown_timeout: \"5s\"\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", a.dbPath)

	if a.redisAddr != "" {
		cfg.WriteString("redis:\n")
		fmt.Fprintf(&cfg, "  addr: %q\n", a.redisAddr)
		cfg.WriteString("  password: \"${VRME_REDIS_PASSWORD}\"\n\n")
	}

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  credential_backend: %q\n", a.backend)
	if a.jwtSecret != "" {
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.jwtSecret)
	}
	cfg.WriteString("  token_validity: \"24h\"\n\n")

	cfg.WriteString("rate_limit:\n")
	cfg.WriteString("  identity:\n    capacity: 20\n    refill_per_second: 10\n")
	cfg.WriteString("  ip:\n    capacity: 10\n    refill_per_second: 2\n\n")

	cfg.WriteString("sessions:\n")
	fmt.Fprintf(&cfg, "  max_sessions: %s\n", a.maxSessions)
	cfg.WriteString("  destroy_policy: \"owner\"\n")
	cfg.WriteString("  idle_timeout: \"10m\"\n\n")

	cfg.WriteString("listeners:\n")
	cfg.WriteString("  queue_depth: 64\n")
	cfg.WriteString("  overflow_policy: \"drop_oldest\"\n")
	cfg.WriteString("  heartbeat_interval: \"15s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"45s\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)

	return cfg.String()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
