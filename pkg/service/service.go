package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duplikit/duplikit/pkg/approval"
	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/log"
	"github.com/duplikit/duplikit/pkg/metrics"
	"github.com/duplikit/duplikit/pkg/registry"
	"github.com/duplikit/duplikit/pkg/resize"
	"github.com/duplikit/duplikit/pkg/staging"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotApproved is returned when a session tries to leave pending before
// the approval gate has cleared it.
var ErrNotApproved = errors.New("session not approved")

// ValidationError reports a request the service rejected before touching
// any session state.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Detail
}

// CreateRequest carries the operator's parameters for a new clone session
type CreateRequest struct {
	Label        string
	SourceNodeID string
	SourceDevice string
	TargetNodeID string
	TargetDevice string

	CloneMode  types.CloneMode
	ResizeMode types.ResizeMode

	StagingBackendID string
	CreatedBy        string
}

// SessionView is a session record enriched with derived telemetry
type SessionView struct {
	Session *types.CloneSession
	RateBPS float64
	Percent float64
}

// Service is the operator- and agent-facing facade over the clone core. It
// validates requests, resolves node references, consults the approval gate,
// and delegates state changes to the coordinator.
type Service struct {
	store    storage.Store
	coord    *coordinator.Coordinator
	broker   *events.Broker
	resolver registry.Resolver
	backends *staging.Set
	gate     approval.Gate
	logger   zerolog.Logger
}

// New creates a session service
func New(store storage.Store, coord *coordinator.Coordinator, broker *events.Broker,
	resolver registry.Resolver, backends *staging.Set, gate approval.Gate) *Service {
	return &Service{
		store:    store,
		coord:    coord,
		broker:   broker,
		resolver: resolver,
		backends: backends,
		gate:     gate,
		logger:   log.WithComponent("service"),
	}
}

// Create validates and persists a new clone session in pending. The target
// may be omitted and supplied on the create of a later session; when it is
// present it must name a different node than the source.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.CloneSession, error) {
	if req.SourceNodeID == "" {
		return nil, &ValidationError{Detail: "source node is required"}
	}
	if req.SourceDevice == "" {
		return nil, &ValidationError{Detail: "source device is required"}
	}
	switch req.CloneMode {
	case types.CloneModeDirect, types.CloneModeStaged:
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown clone mode %q", req.CloneMode)}
	}
	if req.ResizeMode == "" {
		req.ResizeMode = types.ResizeModeNone
	}
	switch req.ResizeMode {
	case types.ResizeModeNone, types.ResizeModeShrinkSource, types.ResizeModeGrowTarget:
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown resize mode %q", req.ResizeMode)}
	}

	if req.TargetNodeID != "" {
		if req.TargetNodeID == req.SourceNodeID {
			return nil, &ValidationError{Detail: "source and target must be different nodes"}
		}
		if req.TargetDevice == "" {
			return nil, &ValidationError{Detail: "target device is required when a target node is set"}
		}
	}

	switch req.CloneMode {
	case types.CloneModeStaged:
		if req.StagingBackendID == "" {
			return nil, &ValidationError{Detail: "staged mode requires a staging backend"}
		}
		if _, err := s.backends.Get(req.StagingBackendID); err != nil {
			return nil, &ValidationError{Detail: err.Error()}
		}
	case types.CloneModeDirect:
		if req.StagingBackendID != "" {
			return nil, &ValidationError{Detail: "direct mode does not use a staging backend"}
		}
	}

	if _, err := s.resolver.Resolve(ctx, req.SourceNodeID); err != nil {
		return nil, err
	}
	if req.TargetNodeID != "" {
		if _, err := s.resolver.Resolve(ctx, req.TargetNodeID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	session := &types.CloneSession{
		ID:               uuid.New().String(),
		Label:            req.Label,
		SourceNodeID:     req.SourceNodeID,
		SourceDevice:     req.SourceDevice,
		TargetNodeID:     req.TargetNodeID,
		TargetDevice:     req.TargetDevice,
		CloneMode:        req.CloneMode,
		ResizeMode:       req.ResizeMode,
		Status:           types.SessionPending,
		StagingBackendID: req.StagingBackendID,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if session.CloneMode == types.CloneModeStaged {
		session.StagingStatus = types.StagingPending
	}

	if err := s.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionsCreated.WithLabelValues(string(session.CloneMode)).Inc()
	s.broker.Publish(&events.Event{
		Type:      events.EventSessionCreated,
		SessionID: session.ID,
		Message:   "session created",
		Metadata: map[string]string{
			"mode":        string(session.CloneMode),
			"resize_mode": string(session.ResizeMode),
		},
	})

	s.logger.Info().
		Str("session_id", session.ID).
		Str("source_node", session.SourceNodeID).
		Str("target_node", session.TargetNodeID).
		Str("mode", string(session.CloneMode)).
		Msg("session created")

	return session, nil
}

// Get returns one session with derived rate and percent
func (s *Service) Get(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	return s.view(session), nil
}

// List returns all sessions with derived rate and percent
func (s *Service) List(ctx context.Context) ([]*SessionView, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, s.view(session))
	}
	return views, nil
}

func (s *Service) view(session *types.CloneSession) *SessionView {
	v := &SessionView{Session: session, Percent: s.coord.Percent(session)}
	if session.Status == types.SessionCloning {
		v.RateBPS = s.coord.Rate(session)
	}
	return v
}

// requireApproved consults the gate before a session may leave pending
func (s *Service) requireApproved(ctx context.Context, sessionID string) error {
	ok, err := s.gate.Approved(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("approval check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotApproved)
	}
	return nil
}

// ReportSourceReady handles the direct-mode source agent callback
func (s *Service) ReportSourceReady(ctx context.Context, id, listenAddr string, bytesTotal int64) error {
	if listenAddr == "" {
		return &ValidationError{Detail: "listen address is required"}
	}
	if err := s.requireApproved(ctx, id); err != nil {
		return err
	}
	return s.coord.SourceReady(ctx, id, listenAddr, bytesTotal)
}

// ReportPartitionTable stores the source agent's disk layout snapshot. The
// snapshot feeds plan suggestion and operator-plan validation, so it is
// frozen together with the plan once the transfer starts.
func (s *Service) ReportPartitionTable(ctx context.Context, id string, table *types.PartitionTable) error {
	if table == nil || len(table.Partitions) == 0 {
		return &ValidationError{Detail: "partition table is empty"}
	}
	session, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	switch session.Status {
	case types.SessionPending, types.SessionSourceReady:
	default:
		return &coordinator.InvalidStateError{SessionID: id, Op: "report partition table", Status: session.Status}
	}
	return s.store.PutPartitionTable(id, table)
}

// ProvisionStaging handles the staged-mode source callback requesting a
// staging location
func (s *Service) ProvisionStaging(ctx context.Context, id string) (string, error) {
	return s.coord.ProvisionStaging(ctx, id)
}

// StartUpload handles the staged-mode source callback announcing the push
func (s *Service) StartUpload(ctx context.Context, id string, bytesTotal int64) error {
	if err := s.requireApproved(ctx, id); err != nil {
		return err
	}
	return s.coord.StartUpload(ctx, id, bytesTotal)
}

// FinishUpload handles the staged-mode source callback reporting a verified
// complete upload
func (s *Service) FinishUpload(ctx context.Context, id string) error {
	return s.coord.FinishUpload(ctx, id)
}

// StartDownload handles the staged-mode target callback and returns the
// locator to pull from
func (s *Service) StartDownload(ctx context.Context, id string) (string, error) {
	return s.coord.StartDownload(ctx, id)
}

// ReportProgress ingests one agent telemetry sample. Progress is an
// idempotent-safe operation: a stale agent still reporting after the
// session ended (cancel, sweep timeout) is logged and ignored, never
// surfaced as an error.
func (s *Service) ReportProgress(ctx context.Context, id string, sample types.ProgressSample, bytesTotal int64) error {
	_, err := s.coord.Progress(ctx, id, sample, bytesTotal)

	var invalid *coordinator.InvalidStateError
	if errors.As(err, &invalid) {
		s.logger.Debug().
			Str("session_id", id).
			Str("status", string(invalid.Status)).
			Msg("ignoring progress report for session not transferring")
		return nil
	}
	return err
}

// Complete handles the target agent's completion report
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.coord.Complete(ctx, id)
}

// Fail handles an agent's failure report
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "unspecified agent failure"
	}
	return s.coord.Fail(ctx, id, reason)
}

// Cancel terminates a session on operator request; idempotent
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.coord.Cancel(ctx, id)
}

// SuggestResizePlan computes a plan from the reported partition table and
// stores it as the session's plan. Requires the source agent to have
// reported its partition table first.
func (s *Service) SuggestResizePlan(ctx context.Context, id string, targetDiskSize int64) (*types.ResizePlan, error) {
	if targetDiskSize <= 0 {
		return nil, &ValidationError{Detail: "target disk size must be positive"}
	}
	session, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	table, err := s.store.GetPartitionTable(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Detail: "no partition table reported for session"}
		}
		return nil, err
	}

	plan, err := resize.Suggest(*table, targetDiskSize, session.ResizeMode)
	if err != nil {
		return nil, err
	}
	if err := s.coord.PutPlan(ctx, id, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// GetResizePlan returns the session's current plan
func (s *Service) GetResizePlan(ctx context.Context, id string) (*types.ResizePlan, error) {
	if _, err := s.store.GetSession(id); err != nil {
		return nil, err
	}
	return s.store.GetResizePlan(id)
}

// UpdateResizePlan replaces the session's plan with an operator-submitted
// one after validating it against the reported partition table. The target
// disk size recorded on the session (set when the first plan was stored)
// is authoritative: a submission naming a different size is rejected.
// Rejected once the transfer has started.
func (s *Service) UpdateResizePlan(ctx context.Context, id string, plan *types.ResizePlan) error {
	session, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	if session.ResizeMode == types.ResizeModeNone {
		return &ValidationError{Detail: "session does not resize"}
	}
	table, err := s.store.GetPartitionTable(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ValidationError{Detail: "no partition table reported for session"}
		}
		return err
	}

	targetDiskSize := session.TargetDiskSize
	if targetDiskSize == 0 {
		// First plan for the session; its size becomes the recorded one
		targetDiskSize = plan.TargetDiskSize
	}
	if err := resize.Validate(plan, *table, targetDiskSize); err != nil {
		return err
	}
	return s.coord.PutPlan(ctx, id, plan)
}

// GrowthPlan returns the post-clone expansion step of a grow_target
// session, or nil when the plan has none. Target agents fetch this after
// completion to expand the trailing filesystem.
func (s *Service) GrowthPlan(ctx context.Context, id string) (*types.GrowthStep, error) {
	plan, err := s.GetResizePlan(ctx, id)
	if err != nil {
		return nil, err
	}
	return plan.Growth, nil
}
