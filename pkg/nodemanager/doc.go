// Package nodemanager implements the Node Manager (§4.4): node
// registration, heartbeat processing, storage-report ingestion, the
// per-node datanode command mailbox, and the health FSM. A background
// sweeper moves nodes HEALTHY -> STALE -> DEAD by heartbeat age, and a
// heartbeat returns a STALE or DEAD node to HEALTHY. DECOMMISSIONING is
// set only by MarkDecommissioning; no code path moves a node to
// DECOMMISSIONED.
package nodemanager
