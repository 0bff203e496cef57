// Package main hosts the bindery CLI.
//
// The cobra command tree runs the daemon in the foreground and translates
// queue, catalog and status commands into calls against the daemon's HTTP
// API. Configuration commands work without a running daemon. Output is a
// table by default; --json prints the raw API payloads.
package main
