// Package config handles configuration loading for intake-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${INTAKE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	backend:
//	  timeout: "30s"
//	generator:
//	  timeout: "2m"
//	  abandon_window: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and SSE streams
//
// Database:
//
//	database:
//	  path: "/var/lib/intake/gateway.db"
//
// Language model backend (validation and reply phrasing):
//
//	backend:
//	  endpoint: "http://localhost:11434/v1"
//	  model: "llama3"
//	  temperature: 0.2
//	  max_tokens: 512
//	  timeout: "30s"
//
// Document generation runner:
//
//	generator:
//	  endpoint: "http://localhost:9090"
//	  timeout: "2m"
//	  abandon_window: "5m"
//
// Tool definitions:
//
//	tools:
//	  dir: "./tools"
//
// Authentication (empty secret disables auth):
//
//	auth:
//	  jwt_secret: "${INTAKE_JWT_SECRET}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/intake/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
