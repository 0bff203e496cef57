// Package apiclient is the HTTP client the CLI uses to talk to a running
// bindery daemon.
//
// Every method maps to one API route and decodes the api package DTOs.
// Non-2xx responses surface as *Error carrying the status code and the
// machine-readable error code, so commands can tell "daemon offline" apart
// from "request rejected".
package apiclient
