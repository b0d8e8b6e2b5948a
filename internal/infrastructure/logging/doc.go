// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive a *zap.Logger tagged with their name:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	registry := terminal.NewRegistry(spawner, opts, logger.Component("terminal_registry"))
//	logger.Info("Server starting", zap.String("addr", ":3000"))
package logging
