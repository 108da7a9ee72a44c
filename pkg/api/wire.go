package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/registry"
	"github.com/duplikit/duplikit/pkg/resize"
	"github.com/duplikit/duplikit/pkg/service"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
)

// Wire representations. Internal types stay tag-free; everything crossing
// the HTTP boundary goes through these.

type sessionWire struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`

	SourceNodeID string `json:"source_node_id"`
	SourceDevice string `json:"source_device"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	TargetDevice string `json:"target_device,omitempty"`

	CloneMode  string `json:"clone_mode"`
	ResizeMode string `json:"resize_mode"`
	Status     string `json:"status"`

	StagingBackendID string `json:"staging_backend_id,omitempty"`
	StagingStatus    string `json:"staging_status,omitempty"`
	SourceListenAddr string `json:"source_listen_addr,omitempty"`
	TargetDiskSize   int64  `json:"target_disk_size,omitempty"`

	BytesTransferred int64   `json:"bytes_transferred"`
	BytesTotal       int64   `json:"bytes_total"`
	RateBPS          float64 `json:"rate_bps"`
	Percent          float64 `json:"percent"`

	ErrorMessage string `json:"error,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func sessionToWire(v *service.SessionView) *sessionWire {
	s := v.Session
	w := &sessionWire{
		ID:               s.ID,
		Label:            s.Label,
		SourceNodeID:     s.SourceNodeID,
		SourceDevice:     s.SourceDevice,
		TargetNodeID:     s.TargetNodeID,
		TargetDevice:     s.TargetDevice,
		CloneMode:        string(s.CloneMode),
		ResizeMode:       string(s.ResizeMode),
		Status:           string(s.Status),
		StagingBackendID: s.StagingBackendID,
		StagingStatus:    string(s.StagingStatus),
		SourceListenAddr: s.SourceListenAddr,
		TargetDiskSize:   s.TargetDiskSize,
		BytesTransferred: s.BytesTransferred,
		BytesTotal:       s.BytesTotal,
		RateBPS:          v.RateBPS,
		Percent:          v.Percent,
		ErrorMessage:     s.ErrorMessage,
		CreatedBy:        s.CreatedBy,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if !s.StartedAt.IsZero() {
		w.StartedAt = &s.StartedAt
	}
	if !s.CompletedAt.IsZero() {
		w.CompletedAt = &s.CompletedAt
	}
	return w
}

type createSessionWire struct {
	Label            string `json:"label"`
	SourceNodeID     string `json:"source_node_id"`
	SourceDevice     string `json:"source_device"`
	TargetNodeID     string `json:"target_node_id"`
	TargetDevice     string `json:"target_device"`
	CloneMode        string `json:"clone_mode"`
	ResizeMode       string `json:"resize_mode"`
	StagingBackendID string `json:"staging_backend_id"`
	CreatedBy        string `json:"created_by"`
}

func (c *createSessionWire) toRequest() service.CreateRequest {
	return service.CreateRequest{
		Label:            c.Label,
		SourceNodeID:     c.SourceNodeID,
		SourceDevice:     c.SourceDevice,
		TargetNodeID:     c.TargetNodeID,
		TargetDevice:     c.TargetDevice,
		CloneMode:        types.CloneMode(c.CloneMode),
		ResizeMode:       types.ResizeMode(c.ResizeMode),
		StagingBackendID: c.StagingBackendID,
		CreatedBy:        c.CreatedBy,
	}
}

type sourceReadyWire struct {
	ListenAddr string `json:"listen_addr"`
	BytesTotal int64  `json:"bytes_total"`
}

type progressWire struct {
	Timestamp        time.Time `json:"timestamp"`
	BytesTransferred int64     `json:"bytes_transferred"`
	BytesTotal       int64     `json:"bytes_total"`
}

type failWire struct {
	Reason string `json:"reason"`
}

type uploadStartedWire struct {
	BytesTotal int64 `json:"bytes_total"`
}

type handleWire struct {
	Handle string `json:"handle"`
}

type partitionWire struct {
	Number     int    `json:"number"`
	Start      int64  `json:"start"`
	Size       int64  `json:"size"`
	Filesystem string `json:"filesystem"`
	MinSize    int64  `json:"min_size"`
}

type partitionTableWire struct {
	DiskSize   int64           `json:"disk_size"`
	Partitions []partitionWire `json:"partitions"`
}

func (t *partitionTableWire) toTable() *types.PartitionTable {
	table := &types.PartitionTable{DiskSize: t.DiskSize}
	for _, p := range t.Partitions {
		table.Partitions = append(table.Partitions, types.Partition{
			Number:     p.Number,
			Start:      p.Start,
			Size:       p.Size,
			Filesystem: p.Filesystem,
			MinSize:    p.MinSize,
		})
	}
	return table
}

type resizeEntryWire struct {
	SourcePartition int   `json:"source_partition"`
	TargetStart     int64 `json:"target_start"`
	TargetSize      int64 `json:"target_size"`
}

type growthWire struct {
	Partition int   `json:"partition"`
	NewSize   int64 `json:"new_size"`
}

type resizePlanWire struct {
	SessionID      string            `json:"session_id,omitempty"`
	TargetDiskSize int64             `json:"target_disk_size"`
	Entries        []resizeEntryWire `json:"entries"`
	Growth         *growthWire       `json:"growth,omitempty"`
	CreatedAt      time.Time         `json:"created_at,omitempty"`
}

func planToWire(p *types.ResizePlan) *resizePlanWire {
	w := &resizePlanWire{
		SessionID:      p.SessionID,
		TargetDiskSize: p.TargetDiskSize,
		CreatedAt:      p.CreatedAt,
	}
	for _, e := range p.Entries {
		w.Entries = append(w.Entries, resizeEntryWire(e))
	}
	if p.Growth != nil {
		g := growthWire(*p.Growth)
		w.Growth = &g
	}
	return w
}

func (w *resizePlanWire) toPlan() *types.ResizePlan {
	p := &types.ResizePlan{TargetDiskSize: w.TargetDiskSize}
	for _, e := range w.Entries {
		p.Entries = append(p.Entries, types.ResizeEntry(e))
	}
	if w.Growth != nil {
		g := types.GrowthStep(*w.Growth)
		p.Growth = &g
	}
	return p
}

type suggestPlanWire struct {
	TargetDiskSize int64 `json:"target_disk_size"`
}

type eventWire struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func eventToWire(e *events.Event) *eventWire {
	return &eventWire{
		ID:        e.ID,
		Type:      string(e.Type),
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Metadata:  e.Metadata,
	}
}

type errorWire struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeError maps service and core errors onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var (
		verr   *service.ValidationError
		iserr  *coordinator.InvalidStateError
		cerr   *coordinator.ConflictError
		inferr *resize.InfeasiblePlanError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, resize.ErrInvalidPlan),
		errors.Is(err, registry.ErrUnknownNode):
		status = http.StatusBadRequest
	case errors.As(err, &inferr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotApproved):
		status = http.StatusForbidden
	case errors.As(err, &iserr),
		errors.As(err, &cerr),
		errors.Is(err, coordinator.ErrPlanRequired),
		errors.Is(err, coordinator.ErrIncomplete):
		status = http.StatusConflict
	}

	writeJSON(w, status, errorWire{Error: err.Error()})
}
