// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Every entry carries the service name, and output is kept
// off stdout whenever stdout carries a protocol stream.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("sandbox created", zap.String("sandbox_id", id))
package logger