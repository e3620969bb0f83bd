// Package logging provides structured logging for pumpcore.
//
// This package wraps Go's standard log/slog package so every component
// emits the same structured shape.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("relay set", "channel", "V0", "value", 1)
//
// # Security
//
// The relay token is part of every relay request URL. Never log request
// URLs or the token itself; log the channel and outcome instead.
package logging
