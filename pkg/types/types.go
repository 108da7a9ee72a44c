package types

import (
	"time"
)

// CloneSession is the aggregate root for a single device clone. It is the
// durable record of which nodes participate, which transport is used, how a
// disk-size mismatch is reconciled, and how far the transfer has progressed.
type CloneSession struct {
	ID    string
	Label string

	SourceNodeID string
	SourceDevice string
	TargetNodeID string // empty until a target is assigned
	TargetDevice string

	// Immutable after creation
	CloneMode  CloneMode
	ResizeMode ResizeMode

	Status SessionStatus

	// Staged mode only
	StagingBackendID string
	StagingPath      string
	StagingStatus    StagingStatus

	// Direct mode only; populated when the source reports ready
	SourceListenAddr string

	// TargetDiskSize is the target device capacity in bytes, recorded
	// when the first resize plan is stored. Later plan submissions must
	// agree with it. Zero until planning begins.
	TargetDiskSize int64

	// Progress. BytesTotal == 0 means the total is not yet known
	// (e.g. streaming compression). Rate and percent are derived from
	// recent samples and are never the persisted source of truth.
	BytesTransferred int64
	BytesTotal       int64

	ErrorMessage string
	CreatedBy    string

	CreatedAt time.Time
	// UpdatedAt moves on every accepted event; the deadline sweep keys
	// off it to detect sessions stuck waiting for an agent.
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// SessionStatus represents the current state of a clone session
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionSourceReady SessionStatus = "source_ready"
	SessionCloning     SessionStatus = "cloning"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// CloneMode defines the transport strategy for a session
type CloneMode string

const (
	// CloneModeDirect streams data from the source agent to the target
	// agent over the network with no intermediate store.
	CloneModeDirect CloneMode = "direct"

	// CloneModeStaged uploads an image to a staging backend which the
	// target later downloads, decoupling the two agents in time.
	CloneModeStaged CloneMode = "staged"
)

// ResizeMode defines how a source/target disk-size mismatch is reconciled
type ResizeMode string

const (
	ResizeModeNone         ResizeMode = "none"
	ResizeModeShrinkSource ResizeMode = "shrink_source"
	ResizeModeGrowTarget   ResizeMode = "grow_target"
)

// StagingStatus tracks the staged-transfer ladder independently of the
// session status. Cleanup and deleted happen after the session is terminal.
type StagingStatus string

const (
	StagingPending     StagingStatus = "pending"
	StagingProvisioned StagingStatus = "provisioned"
	StagingUploading   StagingStatus = "uploading"
	StagingReady       StagingStatus = "ready"
	StagingDownloading StagingStatus = "downloading"
	StagingCleanup     StagingStatus = "cleanup"
	StagingDeleted     StagingStatus = "deleted"
)

// Partition describes one entry of a source partition table. Offsets and
// sizes are bytes.
type Partition struct {
	Number     int
	Start      int64
	Size       int64
	Filesystem string

	// MinSize is the smallest size the filesystem can be shrunk to, as
	// reported by the source agent's filesystem probe. Zero means the
	// filesystem cannot be shrunk below its current size.
	MinSize int64
}

// End returns the first byte past the partition
func (p Partition) End() int64 {
	return p.Start + p.Size
}

// PartitionTable is a snapshot of the source disk layout as reported by the
// source agent, ordered by start offset.
type PartitionTable struct {
	DiskSize   int64
	Partitions []Partition
}

// ResizePlan maps source partitions onto the target disk. A session owns at
// most one plan; it is mutable until the transfer starts.
type ResizePlan struct {
	SessionID      string
	TargetDiskSize int64
	Entries        []ResizeEntry

	// Growth is set for grow_target plans: the post-clone expansion the
	// target agent applies after the data transfer completes.
	Growth *GrowthStep

	CreatedAt time.Time
}

// ResizeEntry places one source partition on the target disk
type ResizeEntry struct {
	SourcePartition int
	TargetStart     int64
	TargetSize      int64
}

// GrowthStep describes the post-clone filesystem expansion of one target
// partition into trailing free space.
type GrowthStep struct {
	Partition int
	NewSize   int64
}

// ProgressSample is one telemetry report from an agent: the cumulative byte
// count at a point in time. Samples may arrive duplicated or out of order.
type ProgressSample struct {
	Timestamp        time.Time
	BytesTransferred int64
}

// NodeInfo is what the external node registry resolves a node id to
type NodeInfo struct {
	ID             string
	Address        string
	LifecycleState string
}
