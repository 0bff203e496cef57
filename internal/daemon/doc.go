// Package daemon coordinates the long-running bindery process.
//
// It ties the queue store and the workflow manager into a single lifecycle
// with flock-based locking to prevent multiple instances, and serves the
// JSON HTTP API used by the CLI and by external schedulers, converters and
// deliverers reporting back.
//
// Keep orchestration logic here: queue semantics live in workflow and queue
// while the daemon focuses on startup, shutdown and the HTTP surface.
package daemon
