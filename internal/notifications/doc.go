// Package notifications delivers job events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// the [notifications] section and degrades to a no-op when no topic is set.
// Each event family (downloads, conversions, deliveries, errors) can be
// switched off individually. Workflow code depends only on the Service
// interface.
package notifications
