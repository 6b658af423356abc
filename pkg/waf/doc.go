// Package waf is the orchestrator of the firewall: it owns the
// listening socket, runs the lifecycle state machine, dispatches every
// accepted connection through the profile/ban/dirty-client/parse/detect
// pipeline and supervises the background loops (access-list refresh,
// health sampling, tunnel connect).
//
// The engine provides:
//   - Signature-based request filtering (SQLi, XSS, forbidden paths)
//   - Proxy-trust validation of forwarding chains
//   - Anonymizing-proxy and geographic access control
//   - TTL-based banning with offense escalation
//   - Durable per-client profiling
//   - Event journaling and websocket telemetry tunneling
//   - Accept-loop rate limiting and Prometheus counters
package waf
