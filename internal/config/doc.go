// Package config handles configuration loading for vrme-gateway.
//
// # Overview
//
// Configuration is layered: built-in defaults, then a YAML, JSON or TOML
// file, then VRME_* environment variables. The result is validated before
// use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from VRME_CONFIG environment variable
//  2. ./config.yaml or ./config.toml (current directory)
//  3. ~/.config/vrme/gateway.yaml
//
// Files ending in .toml are decoded as TOML; all others as YAML, which also
// accepts JSON documents.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${VRME_JWT_SECRET}"
//
// # Environment Overrides
//
// Every field can be overridden with a VRME_ variable named after its
// section and key, for example:
//
//	VRME_SERVER_HTTP_ADDR=0.0.0.0:9000
//	VRME_RATE_LIMIT_IDENTITY_CAPACITY=50
//	VRME_SESSIONS_IDLE_TIMEOUT=30m
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	listeners:
//	  heartbeat_interval: "15s"
//	  heartbeat_timeout: "45s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "5s"
//
// Database:
//
//	database:
//	  driver: "sqlite"   # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/vrme/gateway.db"
//
// Authentication:
//
//	auth:
//	  credential_backend: "sqlite"   # sqlite or redis
//	  jwt_secret: "${VRME_JWT_SECRET}"
//	  token_length: 44
//	  token_validity: "24h"
//	  store_timeout: "2s"
//	  retry_timeout: "500ms"
//
// Rate limiting:
//
//	rate_limit:
//	  identity: {capacity: 20, refill_per_second: 10}
//	  ip:       {capacity: 10, refill_per_second: 2}
//	  idle_eviction: "10m"
//
// Sessions and listeners:
//
//	sessions:
//	  max_sessions: 1000
//	  destroy_policy: "owner"        # owner or participant
//	  one_per_owner: false
//	  close_on_owner_leave: false
//	  idle_timeout: "10m"
//	  reap_interval: "1m"
//	  retired_id_retention: "24h"
//	listeners:
//	  queue_depth: 64
//	  overflow_policy: "drop_oldest" # drop_oldest or close
//	  max_degraded_drops: 0          # 0 keeps degraded listeners open
//
// Logging and telemetry:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	telemetry:
//	  enabled: false
//	  endpoint: "http://localhost:4318"
package config
