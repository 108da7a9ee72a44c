/*
Package types defines the shared data model for duplikit clone sessions.

A CloneSession is the single source of truth for one device clone: its
endpoints, transport mode, resize mode, status, staging state, and progress
counters. All other packages (storage, coordinator, service, api) operate on
these types; none of them add fields of their own to the persisted record.

Status values form a directed graph enforced by the coordinator:

	pending ──► source_ready ──► cloning ──► completed
	   │              │             │
	   └──────────────┴─────────────┴──────► failed | cancelled

Staged sessions track the staging ladder separately in StagingStatus
(pending → provisioned → uploading → ready → downloading, then cleanup →
deleted after the session is terminal) so that observers see one status
graph regardless of transport.
*/
package types
