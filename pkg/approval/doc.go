// Package approval defines the guard predicate consulted before a session
// may start transferring. The actual approval workflow is external.
package approval
