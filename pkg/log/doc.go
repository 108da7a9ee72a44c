// Package log wraps zerolog with a process-global logger and helpers for
// attaching the identifiers that appear throughout duplikit log lines
// (component, session id, node id, staging backend id).
package log
