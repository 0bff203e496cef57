// Package preflight provides readiness checks for the filesystem paths and
// external services bindery depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failed check; the
//     download executor calls CheckFreeSpace before writing a new file.
//   - The status endpoint reports RunAll results next to the converter
//     dependency checks so "bindery status" can display them.
//
// Each check is gated by its config toggle; disabled features are skipped.
package preflight
