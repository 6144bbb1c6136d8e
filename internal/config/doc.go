// Package config handles configuration loading for hive-gateway.
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
//	database:
//	  path: "${HIVE_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "1m"
//	  heartbeat_timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/hive/gateway.db"
//
// Agent timing:
//
//	agents:
//	  heartbeat_interval: "1m"
//	  heartbeat_timeout: "5m"
//
// Poll defaults for the claim protocol:
//
//	poll:
//	  max_duration: "60s"
//	  poll_interval: "2s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/hive/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
