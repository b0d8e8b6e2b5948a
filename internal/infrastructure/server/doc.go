// Package server wires the web shell together.
//
// It builds the components from configuration and serves them over one
// HTTP listener:
//   - Gin router with request ID, access log, metrics, CORS and rate limiting
//   - Authentication gate with a cron sweep of expired login sessions
//   - Terminal registry behind a spawn guard
//   - WebSocket endpoint running one bridge per connection
//
// Server Lifecycle:
//  1. Load configuration from file, environment and flags
//  2. Build logger, metrics, gate, registry and router
//  3. Start the sweep schedule and the HTTP server
//  4. On shutdown close every connection with 1001 and kill every terminal
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Run()
//	defer srv.Shutdown(context.Background())
package server
