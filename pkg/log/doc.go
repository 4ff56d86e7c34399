// Package log provides structured logging for SCM using zerolog: a
// package-level global Logger, Init(Config) to configure level/format/
// output, and component-scoped child loggers (WithComponent, WithNodeID,
// WithPipelineID, WithContainerID).
package log
