// Package registry implements the agent directory.
//
// Agent processes register themselves at startup and heartbeat on a fixed
// cadence. The gateway resolves agent ids to endpoints here and refuses to
// route new sessions to agents whose heartbeat has gone stale. Entries that
// stay silent far beyond the health window are garbage-collected.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Sentinel errors returned by Resolve and Routing.
var (
	// ErrNotFound means no agent with the given id is registered.
	ErrNotFound = errors.New("registry: agent not found")

	// ErrUnhealthy means the agent exists but its last heartbeat is older
	// than the health window.
	ErrUnhealthy = errors.New("registry: agent unhealthy")

	// ErrNoRoutingAgent means no live agent carries the routing capability.
	ErrNoRoutingAgent = errors.New("registry: no routing agent registered")
)

// gcWindows is how many health windows of silence trigger entry removal.
const gcWindows = 4

// Option is a functional option for Registry.
type Option func(*Registry)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks live agent processes keyed by agent id.
type Registry struct {
	window time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]*types.AgentInfo
}

// New creates a Registry. heartbeatPeriod is the expected agent heartbeat
// cadence; the health window is three periods.
func New(heartbeatPeriod time.Duration, opts ...Option) *Registry {
	r := &Registry{
		window: 3 * heartbeatPeriod,
		now:    time.Now,
		agents: make(map[string]*types.AgentInfo),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Window returns the health window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Register adds or refreshes an agent entry. Registration is idempotent by
// id: re-registering updates endpoint, capabilities, and workflow while
// keeping the original registration timestamp, and counts as a heartbeat.
func (r *Registry) Register(agent types.AgentInfo) error {
	if agent.ID == "" {
		return fmt.Errorf("registry: register: agent id must not be empty")
	}
	if agent.Endpoint == "" {
		return fmt.Errorf("registry: register %q: endpoint must not be empty", agent.ID)
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agents[agent.ID]; ok {
		agent.RegisteredAt = prev.RegisteredAt
		slog.Info("agent re-registered", "agent_id", agent.ID, "endpoint", agent.Endpoint)
	} else {
		agent.RegisteredAt = now
		slog.Info("agent registered", "agent_id", agent.ID, "endpoint", agent.Endpoint, "routing", agent.Capabilities.Routing)
	}
	agent.LastHeartbeat = now
	r.agents[agent.ID] = &agent
	return nil
}

// Deregister removes the agent entry. Unknown ids are a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; ok {
		delete(r.agents, agentID)
		slog.Info("agent deregistered", "agent_id", agentID)
	}
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(agentID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if ts.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = ts
	}
	return nil
}

// Resolve returns the agent with the given id. A stale agent yields
// ErrUnhealthy unless includeUnhealthy is set.
func (r *Registry) Resolve(agentID string, includeUnhealthy bool) (types.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return types.AgentInfo{}, ErrNotFound
	}
	if !includeUnhealthy && !r.healthyLocked(agent) {
		return types.AgentInfo{}, fmt.Errorf("%w: %s (last heartbeat %s ago)",
			ErrUnhealthy, agentID, r.now().Sub(agent.LastHeartbeat).Round(time.Second))
	}
	return *agent, nil
}

// Routing returns the single healthy agent carrying the routing capability.
func (r *Registry) Routing() (types.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.Capabilities.Routing && r.healthyLocked(agent) {
			return *agent, nil
		}
	}
	return types.AgentInfo{}, ErrNoRoutingAgent
}

// List returns a copy of all registered agents, healthy or not.
func (r *Registry) List() []types.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.AgentInfo, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	return out
}

// GC removes entries silent for more than gcWindows health windows and
// returns the removed ids.
func (r *Registry) GC() []string {
	cutoff := r.now().Add(-gcWindows * r.window)
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, agent := range r.agents {
		if agent.LastHeartbeat.Before(cutoff) {
			delete(r.agents, id)
			removed = append(removed, id)
			slog.Warn("agent entry garbage-collected", "agent_id", id, "last_heartbeat", agent.LastHeartbeat)
		}
	}
	return removed
}

// RunGC periodically garbage-collects stale entries until ctx is cancelled.
func (r *Registry) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.GC()
		}
	}
}

func (r *Registry) healthyLocked(agent *types.AgentInfo) bool {
	return r.now().Sub(agent.LastHeartbeat) <= r.window
}
