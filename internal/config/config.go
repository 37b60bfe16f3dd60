// ABOUTME: Configuration loading and parsing for vrme-gateway
// ABOUTME: Supports YAML/JSON and TOML files with ${VAR} expansion, duration parsing and VRME_* overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "VRME_"

// Config represents the complete vrme-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions" envPrefix:"SESSIONS_"`
	Listeners ListenersConfig `yaml:"listeners" toml:"listeners" envPrefix:"LISTENERS_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" toml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-" env:"SHUTDOWN_TIMEOUT"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" toml:"path" env:"PATH"`
}

// RedisConfig holds the optional Redis connection used for credentials
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" env:"ADDR"`
	Username string `yaml:"username" toml:"username" env:"USERNAME"`
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" toml:"db" env:"DB"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// CredentialBackend selects where session tokens live: "sqlite" or "redis".
	CredentialBackend string `yaml:"credential_backend" toml:"credential_backend" env:"CREDENTIAL_BACKEND"`
	// JWTSecret enables JWT bearer credentials when set.
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
	TokenLength   int           `yaml:"token_length" toml:"token_length" env:"TOKEN_LENGTH"`
	TokenValidity time.Duration `yaml:"-" toml:"-" env:"TOKEN_VALIDITY"`
	StoreTimeout  time.Duration `yaml:"-" toml:"-" env:"STORE_TIMEOUT"`
	RetryTimeout  time.Duration `yaml:"-" toml:"-" env:"RETRY_TIMEOUT"`

	TokenValidityRaw string `yaml:"token_validity" toml:"token_validity"`
	StoreTimeoutRaw  string `yaml:"store_timeout" toml:"store_timeout"`
	RetryTimeoutRaw  string `yaml:"retry_timeout" toml:"retry_timeout"`
}

// LimitConfig configures one family of token buckets
type LimitConfig struct {
	Capacity        int     `yaml:"capacity" toml:"capacity" env:"CAPACITY"`
	RefillPerSecond float64 `yaml:"refill_per_second" toml:"refill_per_second" env:"REFILL_PER_SECOND"`
}

// RateLimitConfig holds admission control configuration
type RateLimitConfig struct {
	Identity     LimitConfig   `yaml:"identity" toml:"identity" envPrefix:"IDENTITY_"`
	IP           LimitConfig   `yaml:"ip" toml:"ip" envPrefix:"IP_"`
	MaxBuckets   int           `yaml:"max_buckets" toml:"max_buckets" env:"MAX_BUCKETS"`
	IdleEviction time.Duration `yaml:"-" toml:"-" env:"IDLE_EVICTION"`

	IdleEvictionRaw string `yaml:"idle_eviction" toml:"idle_eviction"`
}

// SessionsConfig holds session registry configuration
type SessionsConfig struct {
	MaxSessions        int           `yaml:"max_sessions" toml:"max_sessions" env:"MAX_SESSIONS"`
	DestroyPolicy      string        `yaml:"destroy_policy" toml:"destroy_policy" env:"DESTROY_POLICY"`
	OnePerOwner        bool          `yaml:"one_per_owner" toml:"one_per_owner" env:"ONE_PER_OWNER"`
	CloseOnOwnerLeave  bool          `yaml:"close_on_owner_leave" toml:"close_on_owner_leave" env:"CLOSE_ON_OWNER_LEAVE"`
	IdleTimeout        time.Duration `yaml:"-" toml:"-" env:"IDLE_TIMEOUT"`
	ReapInterval       time.Duration `yaml:"-" toml:"-" env:"REAP_INTERVAL"`
	RetiredIDRetention time.Duration `yaml:"-" toml:"-" env:"RETIRED_ID_RETENTION"`
	RecordTimeout      time.Duration `yaml:"-" toml:"-" env:"RECORD_TIMEOUT"`

	IdleTimeoutRaw        string `yaml:"idle_timeout" toml:"idle_timeout"`
	ReapIntervalRaw       string `yaml:"reap_interval" toml:"reap_interval"`
	RetiredIDRetentionRaw string `yaml:"retired_id_retention" toml:"retired_id_retention"`
	RecordTimeoutRaw      string `yaml:"record_timeout" toml:"record_timeout"`
}

// ListenersConfig holds listener delivery configuration
type ListenersConfig struct {
	QueueDepth        int           `yaml:"queue_depth" toml:"queue_depth" env:"QUEUE_DEPTH"`
	OverflowPolicy    string        `yaml:"overflow_policy" toml:"overflow_policy" env:"OVERFLOW_POLICY"`
	MaxDegradedDrops  uint64        `yaml:"max_degraded_drops" toml:"max_degraded_drops" env:"MAX_DEGRADED_DROPS"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-" env:"HEARTBEAT_TIMEOUT"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:        "0.0.0.0:50051",
			HTTPAddr:        "0.0.0.0:8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./vrme.db",
		},
		Auth: AuthConfig{
			CredentialBackend: "sqlite",
			TokenLength:       44,
			TokenValidity:     24 * time.Hour,
			StoreTimeout:      2 * time.Second,
			RetryTimeout:      500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Identity:     LimitConfig{Capacity: 20, RefillPerSecond: 10},
			IP:           LimitConfig{Capacity: 10, RefillPerSecond: 2},
			IdleEviction: 10 * time.Minute,
			MaxBuckets:   100_000,
		},
		Sessions: SessionsConfig{
			MaxSessions:        1000,
			DestroyPolicy:      "owner",
			IdleTimeout:        10 * time.Minute,
			ReapInterval:       time.Minute,
			RetiredIDRetention: 24 * time.Hour,
			RecordTimeout:      5 * time.Second,
		},
		Listeners: ListenersConfig{
			QueueDepth:        64,
			OverflowPolicy:    "drop_oldest",
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vrme-gateway",
			SampleRatio: 1,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config layered over Default(). Files ending in .toml are parsed as TOML;
// anything else as YAML (which also accepts JSON). Environment variables in
// the format ${VAR_NAME} are expanded, then VRME_* variables override
// individual fields. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw content
		expanded := expandEnvVars(string(data))

		if err := decode(path, expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	default:
		return yaml.Unmarshal([]byte(content), cfg)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// FindConfigPath returns the first existing config file from VRME_CONFIG,
// ./config.yaml, ./config.toml and ~/.config/vrme/gateway.yaml. It returns
// an empty string when none exists.
func FindConfigPath() string {
	if p := os.Getenv("VRME_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "vrme", "gateway.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Auth.CredentialBackend {
	case "sqlite":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when auth.credential_backend is redis")
		}
	default:
		return fmt.Errorf("auth.credential_backend must be sqlite or redis, got %q", c.Auth.CredentialBackend)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.TokenLength <= 0 {
		return fmt.Errorf("auth.token_length must be positive")
	}
	if c.Auth.StoreTimeout <= 0 || c.Auth.RetryTimeout <= 0 {
		return fmt.Errorf("auth.store_timeout and auth.retry_timeout must be positive")
	}

	for name, l := range map[string]LimitConfig{"identity": c.RateLimit.Identity, "ip": c.RateLimit.IP} {
		if l.Capacity < 1 {
			return fmt.Errorf("rate_limit.%s.capacity must be at least 1", name)
		}
		if l.RefillPerSecond <= 0 {
			return fmt.Errorf("rate_limit.%s.refill_per_second must be positive", name)
		}
	}

	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must not be negative")
	}
	if c.Sessions.DestroyPolicy != "owner" && c.Sessions.DestroyPolicy != "participant" {
		return fmt.Errorf("sessions.destroy_policy must be owner or participant, got %q", c.Sessions.DestroyPolicy)
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}

	if c.Listeners.QueueDepth < 1 {
		return fmt.Errorf("listeners.queue_depth must be at least 1")
	}
	if c.Listeners.OverflowPolicy != "drop_oldest" && c.Listeners.OverflowPolicy != "close" {
		return fmt.Errorf("listeners.overflow_policy must be drop_oldest or close, got %q", c.Listeners.OverflowPolicy)
	}
	if c.Listeners.HeartbeatTimeout <= c.Listeners.HeartbeatInterval {
		return fmt.Errorf("listeners.heartbeat_timeout must exceed listeners.heartbeat_interval")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_validity", cfg.Auth.TokenValidityRaw, &cfg.Auth.TokenValidity},
		{"auth.store_timeout", cfg.Auth.StoreTimeoutRaw, &cfg.Auth.StoreTimeout},
		{"auth.retry_timeout", cfg.Auth.RetryTimeoutRaw, &cfg.Auth.RetryTimeout},
		{"rate_limit.idle_eviction", cfg.RateLimit.IdleEvictionRaw, &cfg.RateLimit.IdleEviction},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.reap_interval", cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval},
		{"sessions.retired_id_retention", cfg.Sessions.RetiredIDRetentionRaw, &cfg.Sessions.RetiredIDRetention},
		{"sessions.record_timeout", cfg.Sessions.RecordTimeoutRaw, &cfg.Sessions.RecordTimeout},
		{"listeners.heartbeat_interval", cfg.Listeners.HeartbeatIntervalRaw, &cfg.Listeners.HeartbeatInterval},
		{"listeners.heartbeat_timeout", cfg.Listeners.HeartbeatTimeoutRaw, &cfg.Listeners.HeartbeatTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
