// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session state, opens, disconnects and reconnect attempts
//   - Inbound frames by type and dispatch failures by reason
//   - Outbound request counts and latencies
//   - Journal inserts, flush errors and dropped frames
package metrics
