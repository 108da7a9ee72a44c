package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/duplikit/duplikit/pkg/types"
)

// ErrUnknownNode is returned when the registry has no record of a node id
var ErrUnknownNode = errors.New("unknown node")

// Resolver resolves node references against the external node registry.
// The clone core only ever reads from the registry; node lifecycle state is
// owned elsewhere.
type Resolver interface {
	Resolve(ctx context.Context, nodeID string) (*types.NodeInfo, error)
}

// HTTPResolver resolves nodes against the registry's HTTP API
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver for the registry at baseURL
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, nodeID string) (*types.NodeInfo, error) {
	url := fmt.Sprintf("%s/v1/nodes/%s", r.baseURL, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d for node %s", resp.StatusCode, nodeID)
	}

	var info types.NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return &info, nil
}

// PermissiveResolver accepts every node id without lookup. Used when no
// registry is configured and node identity is managed out of band.
type PermissiveResolver struct{}

func (PermissiveResolver) Resolve(ctx context.Context, nodeID string) (*types.NodeInfo, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("empty node id: %w", ErrUnknownNode)
	}
	return &types.NodeInfo{ID: nodeID}, nil
}

// StaticResolver resolves nodes from an in-memory table. Used in tests and
// in single-box deployments without an external registry.
type StaticResolver struct {
	mu    sync.RWMutex
	nodes map[string]types.NodeInfo
}

// NewStaticResolver creates an empty static resolver
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{nodes: make(map[string]types.NodeInfo)}
}

// Add registers a node
func (r *StaticResolver) Add(info types.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[info.ID] = info
}

func (r *StaticResolver) Resolve(ctx context.Context, nodeID string) (*types.NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrUnknownNode)
	}
	return &info, nil
}
