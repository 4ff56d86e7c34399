// Package metrics exposes SCM's Prometheus metrics (node/pipeline/
// container gauges, raft state, RPC latency, safe-mode status) plus a
// component health registry and its health, readiness and liveness
// HTTP handlers, which pkg/api mounts at /healthz, /readyz and /livez
// alongside /metrics.
package metrics
