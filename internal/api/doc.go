// Package api defines the wire-format types shared by the daemon's HTTP
// server and the CLI client. It translates queue and workflow models into
// transport-friendly DTOs so consumers never depend on internal types.
//
// # Key Types
//
// JobView: projection of a queue.Job with its bundle size and timestamps.
//
// QueueSnapshot: a filtered, paginated page of JobViews.
//
// WorkflowStatus / DaemonStatus: dispatch loop state, queue counts,
// collaborator health and dependency checks.
//
// ErrorResponse: the JSON error body, with a machine-readable code.
//
// # Converters
//
// FromJob, FromSnapshot, FromStats and FromStatusSummary map internal values
// to DTOs; UnitInput.ToUnit goes the other way for the scheduler boundary.
//
// # Design Notes
//
// JSON tags are snake_case. Statuses are lowercase strings. Timestamps use
// RFC3339 with milliseconds in UTC and are omitted when unset.
package api
