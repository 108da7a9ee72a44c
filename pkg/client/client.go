package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Session is the wire form of a clone session as served by the API
type Session struct {
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

// CreateSessionRequest is the body for creating a session
type CreateSessionRequest struct {
	Label            string `json:"label,omitempty"`
	SourceNodeID     string `json:"source_node_id"`
	SourceDevice     string `json:"source_device"`
	TargetNodeID     string `json:"target_node_id,omitempty"`
	TargetDevice     string `json:"target_device,omitempty"`
	CloneMode        string `json:"clone_mode"`
	ResizeMode       string `json:"resize_mode,omitempty"`
	StagingBackendID string `json:"staging_backend_id,omitempty"`
	CreatedBy        string `json:"created_by,omitempty"`
}

// ResizePlan is the wire form of a session's resize plan
type ResizePlan struct {
	SessionID      string        `json:"session_id,omitempty"`
	TargetDiskSize int64         `json:"target_disk_size"`
	Entries        []ResizeEntry `json:"entries"`
	Growth         *GrowthStep   `json:"growth,omitempty"`
}

// ResizeEntry places one source partition on the target disk
type ResizeEntry struct {
	SourcePartition int   `json:"source_partition"`
	TargetStart     int64 `json:"target_start"`
	TargetSize      int64 `json:"target_size"`
}

// GrowthStep is the post-clone expansion of the trailing partition
type GrowthStep struct {
	Partition int   `json:"partition"`
	NewSize   int64 `json:"new_size"`
}

// Event is one entry of the session event stream
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// APIError is a non-2xx response from the control plane
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the control-plane HTTP API. Used by the CLI.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the control plane at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateSession creates a new clone session
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns all sessions
func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CancelSession cancels a session; already-terminal sessions succeed
func (c *Client) CancelSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, nil)
}

// GetPlan returns the session's resize plan
func (c *Client) GetPlan(ctx context.Context, id string) (*ResizePlan, error) {
	var plan ResizePlan
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id+"/plan", nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// SuggestPlan asks the control plane to compute and store a plan for the
// given target disk size
func (c *Client) SuggestPlan(ctx context.Context, id string, targetDiskSize int64) (*ResizePlan, error) {
	req := struct {
		TargetDiskSize int64 `json:"target_disk_size"`
	}{TargetDiskSize: targetDiskSize}

	var plan ResizePlan
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/plan/suggest", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdatePlan replaces the session's plan with an operator-edited one
func (c *Client) UpdatePlan(ctx context.Context, id string, plan *ResizePlan) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+id+"/plan", plan, nil)
}

// WatchEvents streams session events until ctx is cancelled or the server
// closes the stream. sessionID narrows the stream to one session; empty
// streams everything.
func (c *Client) WatchEvents(ctx context.Context, sessionID string, fn func(*Event)) error {
	path := "/v1/events"
	if sessionID != "" {
		path += "?session_id=" + sessionID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	// No client timeout: the stream is long-lived
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "event stream rejected"}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		fn(&event)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
