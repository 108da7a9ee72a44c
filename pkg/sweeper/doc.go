// Package sweeper runs the periodic maintenance loop: it fails sessions
// that sat idle past the wait deadline, deletes staged bytes of finished
// sessions, and refreshes the per-status session gauges.
package sweeper
