// Package config loads, normalizes, and validates bindery configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// BINDERY_API_TOKEN and NTFY_TOPIC. The Config type centralizes every knob the
// daemon and CLI need: state and download directories, queue concurrency and
// retry policy, host resolution limits, the converter command, and the
// send-to-device credentials.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
