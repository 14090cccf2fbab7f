// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The broker core logs every protocol-level user error (bad handles, cookie
// mismatches, stale acknowledgements) at Warn with structured fields rather
// than failing the calling thread, matching the driver convention of
// diagnose-and-continue.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("broker starting", zap.String("addr", addr))
//	logger.Warn("refcount change on invalid ref", zap.Uint32("desc", desc))
package logging
