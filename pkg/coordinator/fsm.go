package coordinator

import (
	"fmt"

	"github.com/duplikit/duplikit/pkg/types"
)

// sessionGraph is the directed transition graph for session status. Any
// transition not listed here is rejected; there is no way to skip an
// intermediate state.
var sessionGraph = map[types.SessionStatus][]types.SessionStatus{
	types.SessionPending: {
		types.SessionSourceReady, // direct: source agent reports ready
		types.SessionCloning,     // staged: source starts uploading
		types.SessionFailed,
		types.SessionCancelled,
	},
	types.SessionSourceReady: {
		types.SessionCloning,
		types.SessionFailed,
		types.SessionCancelled,
	},
	types.SessionCloning: {
		types.SessionCompleted,
		types.SessionFailed,
		types.SessionCancelled,
	},
	types.SessionCompleted: {},
	types.SessionFailed:    {},
	types.SessionCancelled: {},
}

// stagingGraph is the transition graph for the staged-transfer ladder.
// Cleanup is reachable from every non-deleted state so that a failed or
// cancelled session can always discard partially-staged bytes.
var stagingGraph = map[types.StagingStatus][]types.StagingStatus{
	types.StagingPending:     {types.StagingProvisioned, types.StagingCleanup},
	types.StagingProvisioned: {types.StagingUploading, types.StagingCleanup},
	types.StagingUploading:   {types.StagingReady, types.StagingCleanup},
	types.StagingReady:       {types.StagingDownloading, types.StagingCleanup},
	types.StagingDownloading: {types.StagingCleanup},
	types.StagingCleanup:     {types.StagingDeleted},
	types.StagingDeleted:     {},
}

// CanTransition reports whether from -> to is an edge of the session graph
func CanTransition(from, to types.SessionStatus) bool {
	for _, next := range sessionGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanStagingTransition reports whether from -> to is an edge of the
// staging ladder
func CanStagingTransition(from, to types.StagingStatus) bool {
	for _, next := range stagingGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidStateError reports an operation attempted from a state that does
// not permit it. Idempotent-safe operations (progress on a terminal
// session, duplicate ready reports) are logged and ignored by the caller;
// unsafe ones surface it as a conflict.
type InvalidStateError struct {
	SessionID string
	Op        string
	Status    types.SessionStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s: %s not permitted in state %s", e.SessionID, e.Op, e.Status)
}

// ConflictError reports a terminal operation whose outcome contradicts the
// outcome the session already reached.
type ConflictError struct {
	SessionID string
	Current   types.SessionStatus
	Requested types.SessionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: already terminal as %s, cannot become %s",
		e.SessionID, e.Current, e.Requested)
}
