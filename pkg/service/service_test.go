package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duplikit/duplikit/pkg/approval"
	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/registry"
	"github.com/duplikit/duplikit/pkg/resize"
	"github.com/duplikit/duplikit/pkg/staging"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

type testEnv struct {
	svc   *Service
	store storage.Store
	gate  *approval.StaticGate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	backends := staging.NewSet()
	backends.Add(staging.NewMemoryBackend("mem-1"))

	resolver := registry.NewStaticResolver()
	resolver.Add(types.NodeInfo{ID: "node-a", Address: "10.0.0.1"})
	resolver.Add(types.NodeInfo{ID: "node-b", Address: "10.0.0.2"})

	coord := coordinator.New(store, broker, backends, coordinator.Config{
		ProgressWindow:    30 * time.Second,
		ProgressStaleness: 15 * time.Second,
	})

	gate := approval.NewStaticGate()
	svc := New(store, coord, broker, resolver, backends, gate)
	return &testEnv{svc: svc, store: store, gate: gate}
}

func directRequest() CreateRequest {
	return CreateRequest{
		Label:        "lab row 3",
		SourceNodeID: "node-a",
		SourceDevice: "/dev/sda",
		TargetNodeID: "node-b",
		TargetDevice: "/dev/sdb",
		CloneMode:    types.CloneModeDirect,
		CreatedBy:    "operator",
	}
}

// create makes an approved session so callback tests can leave pending
func (e *testEnv) create(t *testing.T, req CreateRequest) *types.CloneSession {
	t.Helper()
	session, err := e.svc.Create(context.Background(), req)
	require.NoError(t, err)
	e.gate.Approve(session.ID)
	return session
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing source node", func(r *CreateRequest) { r.SourceNodeID = "" }},
		{"missing source device", func(r *CreateRequest) { r.SourceDevice = "" }},
		{"same node for source and target", func(r *CreateRequest) { r.TargetNodeID = "node-a" }},
		{"target node without device", func(r *CreateRequest) { r.TargetDevice = "" }},
		{"unknown clone mode", func(r *CreateRequest) { r.CloneMode = "teleport" }},
		{"unknown resize mode", func(r *CreateRequest) { r.ResizeMode = "stretch" }},
		{"direct with staging backend", func(r *CreateRequest) { r.StagingBackendID = "mem-1" }},
		{"staged without backend", func(r *CreateRequest) {
			r.CloneMode = types.CloneModeStaged
		}},
		{"staged with unknown backend", func(r *CreateRequest) {
			r.CloneMode = types.CloneModeStaged
			r.StagingBackendID = "nope"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := directRequest()
			tt.mutate(&req)

			_, err := env.svc.Create(ctx, req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Nothing was persisted for any rejected request
	sessions, err := env.store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateRejectsUnknownNode(t *testing.T) {
	env := newTestEnv(t)

	req := directRequest()
	req.TargetNodeID = "node-z"
	_, err := env.svc.Create(context.Background(), req)
	require.ErrorIs(t, err, registry.ErrUnknownNode)

	sessions, err := env.store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreatePersistsPendingSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.CloneMode = types.CloneModeStaged
	req.StagingBackendID = "mem-1"
	session, err := env.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, stored.Status)
	assert.Equal(t, types.StagingPending, stored.StagingStatus)
	assert.Equal(t, "mem-1", stored.StagingBackendID)
	assert.Equal(t, "operator", stored.CreatedBy)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestDirectCloneThroughService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.create(t, directRequest())

	require.NoError(t, env.svc.ReportSourceReady(ctx, session.ID, "10.0.0.1:9000", 1000))

	base := time.Now()
	require.NoError(t, env.svc.ReportProgress(ctx, session.ID,
		types.ProgressSample{Timestamp: base, BytesTransferred: 600}, 0))
	require.NoError(t, env.svc.ReportProgress(ctx, session.ID,
		types.ProgressSample{Timestamp: base.Add(time.Second), BytesTransferred: 1000}, 0))

	require.NoError(t, env.svc.Complete(ctx, session.ID))

	view, err := env.svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, view.Session.Status)
	assert.InDelta(t, 100.0, view.Percent, 0.001)
	assert.Zero(t, view.RateBPS)
}

func TestApprovalGateHoldsSessionInPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.Create(ctx, directRequest())
	require.NoError(t, err)

	err = env.svc.ReportSourceReady(ctx, session.ID, "10.0.0.1:9000", 0)
	require.ErrorIs(t, err, ErrNotApproved)

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, stored.Status)

	env.gate.Approve(session.ID)
	require.NoError(t, env.svc.ReportSourceReady(ctx, session.ID, "10.0.0.1:9000", 0))
}

func TestStaleProgressAfterCancelIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.create(t, directRequest())

	require.NoError(t, env.svc.Cancel(ctx, session.ID))

	// An agent retrying after the operator cancelled must not see an
	// error, and the record must not move
	err := env.svc.ReportProgress(ctx, session.ID,
		types.ProgressSample{Timestamp: time.Now(), BytesTransferred: 10}, 0)
	require.NoError(t, err)

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, stored.Status)
	assert.Zero(t, stored.BytesTransferred)
}

func TestFailRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.create(t, directRequest())

	require.NoError(t, env.svc.Fail(ctx, session.ID, "target device vanished"))

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, stored.Status)
	assert.Equal(t, "target device vanished", stored.ErrorMessage)
}

func TestCancelIsIdempotentThroughService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.create(t, directRequest())

	require.NoError(t, env.svc.Cancel(ctx, session.ID))
	require.NoError(t, env.svc.Cancel(ctx, session.ID))

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, stored.Status)
}

func growTable() *types.PartitionTable {
	return &types.PartitionTable{
		DiskSize: 100 * gib,
		Partitions: []types.Partition{
			{Number: 1, Start: mib, Size: 512 * mib, Filesystem: "vfat", MinSize: 256 * mib},
			{Number: 2, Start: mib + 512*mib, Size: 60 * gib, Filesystem: "ext4", MinSize: 20 * gib},
		},
	}
}

func TestSuggestResizePlanRequiresTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.ResizeMode = types.ResizeModeGrowTarget
	session := env.create(t, req)

	_, err := env.svc.SuggestResizePlan(ctx, session.ID, 200*gib)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSuggestStoreAndFetchPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.ResizeMode = types.ResizeModeGrowTarget
	session := env.create(t, req)

	require.NoError(t, env.svc.ReportPartitionTable(ctx, session.ID, growTable()))

	plan, err := env.svc.SuggestResizePlan(ctx, session.ID, 200*gib)
	require.NoError(t, err)
	require.NotNil(t, plan.Growth)
	assert.Equal(t, 2, plan.Growth.Partition)

	fetched, err := env.svc.GetResizePlan(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, fetched.SessionID)
	assert.Len(t, fetched.Entries, 2)

	growth, err := env.svc.GrowthPlan(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Growth.NewSize, growth.NewSize)
}

func TestUpdateResizePlanValidatesAgainstTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.ResizeMode = types.ResizeModeShrinkSource
	session := env.create(t, req)
	require.NoError(t, env.svc.ReportPartitionTable(ctx, session.ID, growTable()))

	// Overlapping entries are rejected
	bad := &types.ResizePlan{
		TargetDiskSize: 80 * gib,
		Entries: []types.ResizeEntry{
			{SourcePartition: 1, TargetStart: mib, TargetSize: 512 * mib},
			{SourcePartition: 2, TargetStart: mib, TargetSize: 30 * gib},
		},
	}
	err := env.svc.UpdateResizePlan(ctx, session.ID, bad)
	require.ErrorIs(t, err, resize.ErrInvalidPlan)

	good := &types.ResizePlan{
		TargetDiskSize: 80 * gib,
		Entries: []types.ResizeEntry{
			{SourcePartition: 1, TargetStart: mib, TargetSize: 512 * mib},
			{SourcePartition: 2, TargetStart: mib + 512*mib, TargetSize: 30 * gib},
		},
	}
	require.NoError(t, env.svc.UpdateResizePlan(ctx, session.ID, good))

	fetched, err := env.svc.GetResizePlan(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30*gib), fetched.Entries[1].TargetSize)
}

func TestUpdateResizePlanChecksRecordedTargetSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.ResizeMode = types.ResizeModeShrinkSource
	session := env.create(t, req)
	require.NoError(t, env.svc.ReportPartitionTable(ctx, session.ID, growTable()))

	_, err := env.svc.SuggestResizePlan(ctx, session.ID, 80*gib)
	require.NoError(t, err)

	stored, err := env.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 80*gib, stored.TargetDiskSize)

	// A submission naming a different disk than the size recorded at
	// suggest time is rejected
	plan := &types.ResizePlan{
		TargetDiskSize: 70 * gib,
		Entries: []types.ResizeEntry{
			{SourcePartition: 1, TargetStart: mib, TargetSize: 512 * mib},
			{SourcePartition: 2, TargetStart: mib + 512*mib, TargetSize: 30 * gib},
		},
	}
	err = env.svc.UpdateResizePlan(ctx, session.ID, plan)
	require.ErrorIs(t, err, resize.ErrInvalidPlan)

	fetched, err := env.svc.GetResizePlan(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 80*gib, fetched.TargetDiskSize)
}

func TestPlanFrozenOnceCloning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := directRequest()
	req.ResizeMode = types.ResizeModeShrinkSource
	session := env.create(t, req)
	require.NoError(t, env.svc.ReportPartitionTable(ctx, session.ID, growTable()))

	_, err := env.svc.SuggestResizePlan(ctx, session.ID, 80*gib)
	require.NoError(t, err)

	require.NoError(t, env.svc.ReportSourceReady(ctx, session.ID, "10.0.0.1:9000", 1000))
	require.NoError(t, env.svc.ReportProgress(ctx, session.ID,
		types.ProgressSample{Timestamp: time.Now(), BytesTransferred: 100}, 0))

	plan := &types.ResizePlan{
		TargetDiskSize: 80 * gib,
		Entries: []types.ResizeEntry{
			{SourcePartition: 1, TargetStart: mib, TargetSize: 512 * mib},
			{SourcePartition: 2, TargetStart: mib + 512*mib, TargetSize: 30 * gib},
		},
	}
	err = env.svc.UpdateResizePlan(ctx, session.ID, plan)
	var iserr *coordinator.InvalidStateError
	require.ErrorAs(t, err, &iserr)
}

func TestGetUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, storage.ErrNotFound))
}
