package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/log"
	"github.com/duplikit/duplikit/pkg/metrics"
	"github.com/duplikit/duplikit/pkg/progress"
	"github.com/duplikit/duplikit/pkg/staging"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrPlanRequired is returned when a transfer would start while the
	// session's resize mode demands a plan that does not exist. This is
	// a hard precondition failure, not a retryable error.
	ErrPlanRequired = errors.New("resize plan required before transfer starts")

	// ErrIncomplete is returned when completion is reported before the
	// transferred byte count reaches the known total.
	ErrIncomplete = errors.New("transfer incomplete")
)

// Config tunes per-session telemetry derivation
type Config struct {
	ProgressWindow    time.Duration
	ProgressStaleness time.Duration
}

// Coordinator owns the per-session state machine. Every state-mutating
// operation for a session runs under that session's lock, giving the
// single-writer discipline the transition and monotonicity invariants
// depend on. Sessions are independent: many run concurrently.
type Coordinator struct {
	store    storage.Store
	broker   *events.Broker
	backends *staging.Set
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	trackers map[string]*progress.Tracker
}

// New creates a coordinator
func New(store storage.Store, broker *events.Broker, backends *staging.Set, cfg Config) *Coordinator {
	return &Coordinator{
		store:    store,
		broker:   broker,
		backends: backends,
		cfg:      cfg,
		logger:   log.WithComponent("coordinator"),
		locks:    make(map[string]*sync.Mutex),
		trackers: make(map[string]*progress.Tracker),
	}
}

// sessionLock returns the mutex serializing writes for one session id
func (c *Coordinator) sessionLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// trackerFor returns the session's progress tracker, rehydrating the
// cumulative counter from the stored record after a restart.
func (c *Coordinator) trackerFor(session *types.CloneSession) *progress.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[session.ID]
	if !ok {
		t = progress.NewTracker(c.cfg.ProgressWindow, c.cfg.ProgressStaleness)
		if session.BytesTotal > 0 {
			t.SetTotal(session.BytesTotal)
		}
		if session.BytesTransferred > 0 {
			t.Observe(types.ProgressSample{
				Timestamp:        session.UpdatedAt,
				BytesTransferred: session.BytesTransferred,
			})
		}
		c.trackers[session.ID] = t
	}
	return t
}

// persist stamps and writes the session record
func (c *Coordinator) persist(session *types.CloneSession) error {
	session.UpdatedAt = time.Now()
	return c.store.UpdateSession(session)
}

// transition moves the session along the status graph and publishes the
// state event. Caller holds the session lock.
func (c *Coordinator) transition(session *types.CloneSession, to types.SessionStatus, eventType events.EventType, msg string) error {
	if !CanTransition(session.Status, to) {
		return &InvalidStateError{SessionID: session.ID, Op: "transition to " + string(to), Status: session.Status}
	}

	from := session.Status
	session.Status = to
	if err := c.persist(session); err != nil {
		session.Status = from
		return err
	}

	c.logger.Info().
		Str("session_id", session.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("session state changed")

	c.broker.Publish(&events.Event{
		Type:      eventType,
		SessionID: session.ID,
		Message:   msg,
		Metadata: map[string]string{
			"from":   string(from),
			"status": string(to),
		},
	})
	return nil
}

// setStaging moves the staging ladder and publishes the staging event.
// Caller holds the session lock and persists afterwards.
func (c *Coordinator) setStaging(session *types.CloneSession, to types.StagingStatus) error {
	if !CanStagingTransition(session.StagingStatus, to) {
		return &InvalidStateError{
			SessionID: session.ID,
			Op:        "staging transition to " + string(to),
			Status:    session.Status,
		}
	}
	session.StagingStatus = to

	c.broker.Publish(&events.Event{
		Type:      events.EventStagingState,
		SessionID: session.ID,
		Message:   "staging state changed",
		Metadata:  map[string]string{"staging_status": string(to)},
	})
	return nil
}

// requirePlan enforces the resize-plan guard for entering a transfer
func (c *Coordinator) requirePlan(session *types.CloneSession) error {
	if session.ResizeMode == types.ResizeModeNone {
		return nil
	}
	if _, err := c.store.GetResizePlan(session.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s: %w", session.ID, ErrPlanRequired)
		}
		return err
	}
	return nil
}

// SourceReady handles the direct-mode source agent callback: the source is
// booted, listening, and supplies its listen address. Valid only from
// pending; a duplicate call observes the already-updated state and gets an
// InvalidStateError without corrupting anything.
func (c *Coordinator) SourceReady(ctx context.Context, sessionID, listenAddr string, bytesTotal int64) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.CloneMode != types.CloneModeDirect {
		return &InvalidStateError{SessionID: sessionID, Op: "source ready (staged session)", Status: session.Status}
	}
	if session.Status != types.SessionPending {
		return &InvalidStateError{SessionID: sessionID, Op: "source ready", Status: session.Status}
	}

	session.SourceListenAddr = listenAddr
	if bytesTotal > 0 {
		session.BytesTotal = bytesTotal
		c.trackerFor(session).SetTotal(bytesTotal)
	}
	return c.transition(session, types.SessionSourceReady, events.EventSessionState, "source agent ready")
}

// ProvisionStaging handles the staged-mode source callback requesting a
// staging location. It allocates the per-session path on the backend and
// returns the locator the source uploads to. Calling it again returns the
// existing locator.
func (c *Coordinator) ProvisionStaging(ctx context.Context, sessionID string) (string, error) {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session.CloneMode != types.CloneModeStaged {
		return "", &InvalidStateError{SessionID: sessionID, Op: "provision staging (direct session)", Status: session.Status}
	}
	if session.Status.Terminal() {
		return "", &InvalidStateError{SessionID: sessionID, Op: "provision staging", Status: session.Status}
	}

	backend, err := c.backends.Get(session.StagingBackendID)
	if err != nil {
		return "", err
	}

	if session.StagingStatus == types.StagingProvisioned {
		return backend.UploadHandle(session.StagingPath)
	}
	if session.StagingStatus != types.StagingPending {
		return "", &InvalidStateError{SessionID: sessionID, Op: "provision staging", Status: session.Status}
	}

	path, err := backend.Provision(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("staging provision failed: %w", err)
	}
	session.StagingPath = path
	if err := c.setStaging(session, types.StagingProvisioned); err != nil {
		return "", err
	}
	if err := c.persist(session); err != nil {
		return "", err
	}
	return backend.UploadHandle(path)
}

// StartUpload handles the staged-mode source callback announcing that it is
// pushing the image. The session enters cloning here, so the resize-plan
// guard applies.
func (c *Coordinator) StartUpload(ctx context.Context, sessionID string, bytesTotal int64) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.CloneMode != types.CloneModeStaged {
		return &InvalidStateError{SessionID: sessionID, Op: "start upload (direct session)", Status: session.Status}
	}
	if session.Status != types.SessionPending || session.StagingStatus != types.StagingProvisioned {
		return &InvalidStateError{SessionID: sessionID, Op: "start upload", Status: session.Status}
	}
	if err := c.requirePlan(session); err != nil {
		return err
	}

	if bytesTotal > 0 {
		session.BytesTotal = bytesTotal
		c.trackerFor(session).SetTotal(bytesTotal)
	}
	if err := c.setStaging(session, types.StagingUploading); err != nil {
		return err
	}
	session.StartedAt = time.Now()
	return c.transition(session, types.SessionCloning, events.EventSessionState, "source uploading to staging backend")
}

// FinishUpload handles the staged-mode source callback reporting a verified
// complete upload.
func (c *Coordinator) FinishUpload(ctx context.Context, sessionID string) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionCloning || session.StagingStatus != types.StagingUploading {
		return &InvalidStateError{SessionID: sessionID, Op: "finish upload", Status: session.Status}
	}
	if err := c.setStaging(session, types.StagingReady); err != nil {
		return err
	}
	return c.persist(session)
}

// StartDownload handles the staged-mode target callback: the target begins
// pulling the image. Returns the locator to pull from.
func (c *Coordinator) StartDownload(ctx context.Context, sessionID string) (string, error) {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != types.SessionCloning || session.StagingStatus != types.StagingReady {
		return "", &InvalidStateError{SessionID: sessionID, Op: "start download", Status: session.Status}
	}

	backend, err := c.backends.Get(session.StagingBackendID)
	if err != nil {
		return "", err
	}
	handle, err := backend.DownloadHandle(session.StagingPath)
	if err != nil {
		return "", fmt.Errorf("staging download handle: %w", err)
	}

	if err := c.setStaging(session, types.StagingDownloading); err != nil {
		return "", err
	}
	if err := c.persist(session); err != nil {
		return "", err
	}
	return handle, nil
}

// PutPlan stores or replaces the session's resize plan. Plans are mutable
// until the transfer starts: once the session is cloning the plan drives
// what the agents are writing and replacing it would desynchronize them.
func (c *Coordinator) PutPlan(ctx context.Context, sessionID string, plan *types.ResizePlan) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case types.SessionPending, types.SessionSourceReady:
	default:
		return &InvalidStateError{SessionID: sessionID, Op: "update resize plan", Status: session.Status}
	}
	if session.CloneMode == types.CloneModeStaged && session.StagingStatus != types.StagingPending &&
		session.StagingStatus != types.StagingProvisioned {
		return &InvalidStateError{SessionID: sessionID, Op: "update resize plan", Status: session.Status}
	}

	plan.SessionID = sessionID
	plan.CreatedAt = time.Now()
	if err := c.store.PutResizePlan(plan); err != nil {
		return err
	}
	if session.TargetDiskSize != plan.TargetDiskSize {
		session.TargetDiskSize = plan.TargetDiskSize
		if err := c.persist(session); err != nil {
			return err
		}
	}

	c.broker.Publish(&events.Event{
		Type:      events.EventPlanUpdated,
		SessionID: sessionID,
		Message:   "resize plan updated",
	})
	return nil
}

// Progress ingests one telemetry sample. Stale and duplicate samples are
// ignored without error so agent retries are harmless; the first sample of
// a direct-mode session moves it from source_ready to cloning. The bool
// result reports whether the sample advanced the counter.
func (c *Coordinator) Progress(ctx context.Context, sessionID string, sample types.ProgressSample, bytesTotal int64) (bool, error) {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if session.Status.Terminal() {
		// Drop the lock entry this stale report just re-created
		c.releaseSession(sessionID)
		return false, &InvalidStateError{SessionID: sessionID, Op: "progress", Status: session.Status}
	}

	// Target connecting to a ready direct-mode source starts the clone
	if session.CloneMode == types.CloneModeDirect && session.Status == types.SessionSourceReady {
		if err := c.requirePlan(session); err != nil {
			return false, err
		}
		session.StartedAt = time.Now()
		if err := c.transition(session, types.SessionCloning, events.EventSessionState, "target connected, transfer started"); err != nil {
			return false, err
		}
	}
	if session.Status != types.SessionCloning {
		return false, &InvalidStateError{SessionID: sessionID, Op: "progress", Status: session.Status}
	}

	tracker := c.trackerFor(session)
	if bytesTotal > 0 && session.BytesTotal == 0 {
		session.BytesTotal = bytesTotal
		tracker.SetTotal(bytesTotal)
	}

	before := tracker.Bytes()
	if !tracker.Observe(sample) {
		// Stale or duplicate retry; not an error
		return false, nil
	}

	session.BytesTransferred = tracker.Bytes()
	if err := c.persist(session); err != nil {
		return false, err
	}

	metrics.BytesTransferred.WithLabelValues(string(session.CloneMode)).Add(float64(session.BytesTransferred - before))
	metrics.TransferRate.WithLabelValues(session.ID).Set(tracker.Rate(time.Now()))

	c.broker.Publish(&events.Event{
		Type:      events.EventSessionProgress,
		SessionID: session.ID,
		Message:   "progress",
		Metadata: map[string]string{
			"bytes_transferred": strconv.FormatInt(session.BytesTransferred, 10),
			"bytes_total":       strconv.FormatInt(session.BytesTotal, 10),
		},
	})
	return true, nil
}

// Complete terminalizes a successful session. When the total byte count is
// known the transferred count must match it; when it is unknown this call
// is the agent's explicit completion signal. Completing an already
// completed session is a no-op; completing one that failed or was
// cancelled is a conflict.
func (c *Coordinator) Complete(ctx context.Context, sessionID string) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status == types.SessionCompleted {
		return nil
	}
	if session.Status.Terminal() {
		return &ConflictError{SessionID: sessionID, Current: session.Status, Requested: types.SessionCompleted}
	}
	if session.Status != types.SessionCloning {
		return &InvalidStateError{SessionID: sessionID, Op: "complete", Status: session.Status}
	}
	if session.CloneMode == types.CloneModeStaged && session.StagingStatus != types.StagingDownloading {
		return &InvalidStateError{SessionID: sessionID, Op: "complete before download", Status: session.Status}
	}
	if session.BytesTotal > 0 && session.BytesTransferred != session.BytesTotal {
		return fmt.Errorf("session %s: %d of %d bytes: %w",
			sessionID, session.BytesTransferred, session.BytesTotal, ErrIncomplete)
	}

	session.CompletedAt = time.Now()
	if session.CloneMode == types.CloneModeStaged {
		if err := c.setStaging(session, types.StagingCleanup); err != nil {
			return err
		}
	}
	if err := c.transition(session, types.SessionCompleted, events.EventSessionCompleted, "clone completed"); err != nil {
		return err
	}

	metrics.SessionsCompleted.Inc()
	metrics.TransferRate.DeleteLabelValues(session.ID)
	c.finishSession(session)
	return nil
}

// Fail terminalizes a session with an error reason. Failing an already
// failed session is a no-op; failing a completed or cancelled one is a
// conflict. Partially-staged bytes are scheduled for cleanup.
func (c *Coordinator) Fail(ctx context.Context, sessionID, reason string) error {
	return c.fail(ctx, sessionID, reason, "transport")
}

// FailTimeout is the deadline sweep's entry point; identical to Fail but
// accounted separately.
func (c *Coordinator) FailTimeout(ctx context.Context, sessionID, reason string) error {
	return c.fail(ctx, sessionID, reason, "timeout")
}

func (c *Coordinator) fail(ctx context.Context, sessionID, reason, class string) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status == types.SessionFailed {
		return nil
	}
	if session.Status.Terminal() {
		return &ConflictError{SessionID: sessionID, Current: session.Status, Requested: types.SessionFailed}
	}

	session.ErrorMessage = reason
	session.CompletedAt = time.Now()
	c.scheduleStagingCleanup(session)
	if err := c.transition(session, types.SessionFailed, events.EventSessionFailed, reason); err != nil {
		return err
	}

	metrics.SessionsFailed.WithLabelValues(class).Inc()
	if class == "timeout" {
		metrics.SessionsTimedOut.Inc()
	}
	metrics.TransferRate.DeleteLabelValues(session.ID)
	c.finishSession(session)
	return nil
}

// Cancel terminalizes a session on operator request. Cancelling a session
// that is already terminal, whatever the outcome, is a no-op success. The
// call does not wait for transport rollback; staged bytes are cleaned up
// asynchronously.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}

	session.CompletedAt = time.Now()
	c.scheduleStagingCleanup(session)
	if err := c.transition(session, types.SessionCancelled, events.EventSessionCancelled, "cancelled by operator"); err != nil {
		return err
	}

	metrics.TransferRate.DeleteLabelValues(session.ID)
	c.finishSession(session)
	return nil
}

// dropTracker releases the in-memory telemetry state of a terminal
// session. Later reads derive percent from the stored record.
func (c *Coordinator) dropTracker(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trackers, sessionID)
}

// releaseSession drops the session's lock, tracker and event sequence once
// no further mutation can reach it. Caller holds the session lock; a late
// arrival that raced for the old mutex only hits status guards that reject
// it, so retiring the mutex here cannot break the single-writer discipline.
func (c *Coordinator) releaseSession(sessionID string) {
	c.mu.Lock()
	delete(c.trackers, sessionID)
	delete(c.locks, sessionID)
	c.mu.Unlock()

	c.broker.Forget(sessionID)
}

// finishSession retires a session's runtime state on a terminal transition.
// Staged sessions with bytes still awaiting cleanup keep their lock until
// RunStagingCleanup finishes with the backend.
func (c *Coordinator) finishSession(session *types.CloneSession) {
	if session.CloneMode == types.CloneModeStaged && session.StagingStatus != types.StagingDeleted {
		c.dropTracker(session.ID)
		return
	}
	c.releaseSession(session.ID)
}

// scheduleStagingCleanup marks staged bytes for background deletion.
// Caller holds the session lock and persists via the following transition.
func (c *Coordinator) scheduleStagingCleanup(session *types.CloneSession) {
	if session.CloneMode != types.CloneModeStaged {
		return
	}
	switch session.StagingStatus {
	case types.StagingCleanup, types.StagingDeleted:
		return
	}
	// Best-effort: an unexpected ladder position still moves to cleanup
	if CanStagingTransition(session.StagingStatus, types.StagingCleanup) {
		_ = c.setStaging(session, types.StagingCleanup)
	}
}

// RunStagingCleanup deletes the staged bytes of a session whose staging
// status is cleanup. Invoked by the background sweep after the session is
// terminal; safe to retry.
func (c *Coordinator) RunStagingCleanup(ctx context.Context, sessionID string) error {
	l := c.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.CloneMode != types.CloneModeStaged || session.StagingStatus != types.StagingCleanup {
		return nil
	}

	if session.StagingPath != "" {
		backend, err := c.backends.Get(session.StagingBackendID)
		if err != nil {
			return err
		}
		if err := backend.Delete(ctx, session.StagingPath); err != nil {
			return fmt.Errorf("staging cleanup failed: %w", err)
		}
	}

	if err := c.setStaging(session, types.StagingDeleted); err != nil {
		return err
	}
	if err := c.persist(session); err != nil {
		return err
	}

	metrics.StagingCleanups.Inc()
	c.releaseSession(sessionID)
	c.logger.Info().Str("session_id", sessionID).Msg("staged bytes deleted")
	return nil
}

// Rate returns the session's current transfer rate in bytes per second.
// Terminal sessions no longer transfer, so their rate is zero without
// consulting a tracker.
func (c *Coordinator) Rate(session *types.CloneSession) float64 {
	if session.Status.Terminal() {
		return 0
	}
	return c.trackerFor(session).Rate(time.Now())
}

// Percent returns the session's progress percent, or progress.PercentUnknown
// when the total byte count has not been reported. Terminal sessions derive
// it from the stored record so reads never resurrect released trackers.
func (c *Coordinator) Percent(session *types.CloneSession) float64 {
	if session.Status.Terminal() {
		if session.BytesTotal <= 0 {
			return progress.PercentUnknown
		}
		pct := 100 * float64(session.BytesTransferred) / float64(session.BytesTotal)
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	return c.trackerFor(session).Percent()
}
