// Package services defines shared utilities consumed by the workflow and the
// collaborator implementations (hosts, download, convert, delivery).
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, bundle keys, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Details which
//     decomposes any failure into the kind/operation/hint log fields.
package services
