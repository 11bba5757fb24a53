// Package logging provides structured logging for AgriLogic Core.
//
// It wraps log/slog with JSON or text output, level filtering, and the
// default fields service and version on every entry.
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
//	logger.Component("engine").Info("cycle complete", "farm_id", "farm-1")
//
// Never log secrets, tokens, or passwords.
package logging
