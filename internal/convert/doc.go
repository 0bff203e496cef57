// Package convert hands downloaded archives to an external e-book converter.
//
// CommandConverter runs the configured command (kcc-c2e by default) once per
// downloaded file, in a per-job output directory under paths.converted_dir.
// Runs are asynchronous and bounded by convert.max_parallel; each produced
// file gets a metadata sidecar, and the outcome is reported back to the queue
// manager through workflow.ConversionCallbacks.
package convert
