package approval

import (
	"context"
	"sync"
)

// Gate is the optional approval workflow consulted before a session may
// leave pending. The core treats approval purely as a guard predicate;
// the voting workflow itself lives outside the clone core.
type Gate interface {
	Approved(ctx context.Context, sessionID string) (bool, error)
}

// OpenGate approves everything. Used when no approval workflow is wired.
type OpenGate struct{}

func (OpenGate) Approved(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

// StaticGate approves only explicitly marked sessions. Used in tests.
type StaticGate struct {
	mu       sync.RWMutex
	approved map[string]bool
}

// NewStaticGate creates a gate with nothing approved
func NewStaticGate() *StaticGate {
	return &StaticGate{approved: make(map[string]bool)}
}

// Approve marks a session as approved
func (g *StaticGate) Approve(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[sessionID] = true
}

func (g *StaticGate) Approved(ctx context.Context, sessionID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.approved[sessionID], nil
}
