// Package pipeline implements the Pipeline Manager (§4.5): creation
// and destruction of replication quorums over chosen nodes, the
// same-member-set dedup index, and the ALLOCATED -> OPEN -> DORMANT ->
// CLOSED lifecycle.
package pipeline
