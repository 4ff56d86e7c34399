// Package safemode implements the Safe-Mode Controller (§4.7): a
// multi-rule admission barrier that tracks whether the cluster's
// observed state has cleared a configurable set of thresholds.
// Controller.Status and Controller.ReadTrafficAllowed report the
// barrier, and pkg/api serves it through the SafeModeStatus RPC; no
// RPC handler or background task consults it, so read traffic and
// background work are not held back while in safe mode. It holds no
// authoritative state of its own and never goes through the
// replicated log: it only reads the Node/Pipeline/Container Managers
// and reacts to their published events.
package safemode
