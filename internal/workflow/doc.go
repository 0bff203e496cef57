// Package workflow runs the download queue.
//
// The Manager owns job dispatch: it selects pending jobs in priority/FIFO
// order, resolves them through the host registry, moves each resolution into
// downloading as one bundle, and runs the download executor with bounded
// concurrency. Failures are recorded on the bundle and scheduled for
// automatic retry when transient. Cancellation propagates to the in-flight
// task through its context.
//
// Downloaded bundles are handed to the Converter; converted bundles are
// handed to the Deliverer on request (or automatically when auto_send is
// set). Both collaborators report back through the callback methods on the
// Manager, which are also exposed over the daemon API.
package workflow
