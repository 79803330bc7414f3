// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Transport state, connect results and scheduled reconnects per endpoint
//   - Frame decode failures and dropped sends
//   - Fan-out dispatch counts, subscriber failures and live subscriptions per feed
//   - Recorder batch results and queue depth
//   - Relay publish results
package metrics
