// Package queue persists download jobs and the content-unit catalog in SQLite
// and exposes the transactional transitions that drive the job lifecycle.
//
// Every mutation runs under a store-level write mutex inside one SQLite
// transaction, and every status change is a conditional update guarded by
// the statuses it may leave. Bundle members (jobs sharing a bundle_key) are
// always moved together, so they never disagree on status.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package queue
