// Package download executes resolved download descriptors.
//
// Execute streams one descriptor to "<dest>.part" while a "<dest>.downloading"
// lock file marks the transfer as active, then verifies size and archive
// integrity and renames the part file into place. The caller's context is
// the cancellation token: it is checked before every chunk, and a cancelled
// transfer removes its partial file and reports Outcome{Cancelled: true}
// with a nil error. ExecuteAll downloads the parts of a bundle one after
// another and treats them as a unit.
package download
