// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Defaults are applied before validation, so a minimal file only
// needs database.path and auth.jwt_secret.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  send_timeout: "5s"
//	idempotency:
//	  ttl: "10m"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "./parley.db"
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//	delivery:
//	  send_timeout: "5s"
//	  queue_size: 64
//	  rate_limit: 20
//	  rate_burst: 40
//	history:
//	  default_limit: 50
//	  max_limit: 500
//	logging:
//	  level: "info"
//	  format: "text"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
