// Package container implements the Container Manager (§4.6):
// allocation of logical containers onto open pipelines, the container
// lifecycle FSM (OPEN -> CLOSING -> QUASI_CLOSED -> CLOSED -> DELETING
// -> DELETED), and the transient, never-replicated replica index.
package container
