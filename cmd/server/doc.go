// Package main is the entry point for the web shell server.
//
// The server exposes an interactive terminal program over a WebSocket behind
// a password login:
//
//	Browser (xterm) ⇄ WebSocket ⇄ Bridge ⇄ PTY (claude, sh, ...)
//
// Configuration:
//   - YAML file named by WEBSHELL_CONFIG or -config
//   - Environment variables (12-factor)
//   - CLI flags (override both)
//
// Usage:
//
//	# Default: claude on port 3000
//	./server
//
//	# A plain shell on another port, debug logs
//	./server -port 8080 -command /bin/bash -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
