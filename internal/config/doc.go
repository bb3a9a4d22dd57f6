// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	limits:
//	  op_timeout: "500ms"
//	dispatch:
//	  heartbeat_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, SSE and WebSocket subscriptions
//
// Storage:
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//	redis:
//	  url: "redis://localhost:6379/0"   # change feed and usage windows
//
// Workflow engine bus:
//
//	engine:
//	  nats_url: "nats://localhost:4222"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Usage limits:
//
//	limits:
//	  default_max_units: 1000       # 0 disables the default limit
//	  default_window_seconds: 3600
//	  fail_open: false              # reject when the window store is down
//	  op_timeout: "500ms"
//
// Dispatch tuning:
//
//	dispatch:
//	  batch_size: 128
//	  subscriber_buffer: 256
//	  max_threads_per_connection: 16
//	  heartbeat_interval: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
