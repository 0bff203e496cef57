// Package hosts turns source page URLs into direct download descriptors.
//
// A Resolver handles one file host. The Registry identifies the host of a
// URL, ranks the primary URL and its backups by host reliability, applies a
// per-host request rate limit and falls back to the next candidate whenever a
// resolver fails. Two generic resolvers are built in: DirectResolver for
// plain links and ManifestResolver for multi-part ".parts.json" manifests.
package hosts
