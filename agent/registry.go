package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agenticcoder/agentcore/bus"
	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/telemetry"
)

// Registry owns every agent instance for its lifetime: registration,
// lookup, dependency resolution, and cleanup happen only here. Other
// components hold non-owning references obtained via lookup.
//
// Registry implements bus.Directory so the enhanced bus can resolve
// routing targets at dequeue time.
type Registry struct {
	logger core.Logger
	events *telemetry.Emitter

	mu     sync.RWMutex
	agents map[string]*BaseAgent
	byType map[string][]string
}

// NewRegistry creates an empty registry
func NewRegistry(logger core.Logger, events *telemetry.Emitter) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		logger: logger,
		events: events,
		agents: make(map[string]*BaseAgent),
		byType: make(map[string][]string),
	}
}

// Register stores an agent by id and indexes it by type. Duplicate ids
// are refused.
func (r *Registry) Register(a *BaseAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("%w: %q", core.ErrAgentExists, id)
	}
	r.agents[id] = a
	r.byType[a.Type()] = append(r.byType[a.Type()], id)

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id": id,
		"type":     a.Type(),
	})
	return nil
}

// Unregister cleans the agent up and removes it from all indexes. The
// cleanup error, if any, is returned after the agent is removed.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", core.ErrAgentNotFound, id)
	}
	delete(r.agents, id)
	ids := r.byType[a.Type()]
	for i, candidate := range ids {
		if candidate == id {
			r.byType[a.Type()] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	err := a.Cleanup(ctx)
	r.logger.Info("Agent unregistered", map[string]interface{}{"agent_id": id})
	return err
}

// Get returns an agent by id
func (r *Registry) Get(id string) (*BaseAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrAgentNotFound, id)
	}
	return a, nil
}

// Has reports whether an agent id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// FindByType returns every registered agent of a type
func (r *Registry) FindByType(agentType string) []*BaseAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*BaseAgent, 0, len(r.byType[agentType]))
	for _, id := range r.byType[agentType] {
		out = append(out, r.agents[id])
	}
	return out
}

// IDs returns every registered agent id
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Resolve implements bus.Directory
func (r *Registry) Resolve(agentID string) (bus.Recipient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return a, true
}

// Execute runs a registered agent, optionally overriding its retry
// policy. Used by the workflow engine.
func (r *Registry) Execute(ctx context.Context, id string, input, execCtx map[string]interface{}, override *RetryPolicy) (map[string]interface{}, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return a.ExecuteWithRetry(ctx, input, execCtx, override)
}

// ResolveDependencies returns the ids that must be initialized before the
// given agent, in dependency order ending with the agent itself. A cycle
// in the dependency graph fails the call.
func (r *Registry) ResolveDependencies(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	colors := make(map[string]int)
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: involving agent %q", core.ErrCycleDetected, id)
		}
		colors[id] = visiting

		a, ok := r.agents[id]
		if !ok {
			return fmt.Errorf("%w: dependency %q", core.ErrAgentNotFound, id)
		}
		for _, dep := range a.Definition().Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = visited
		order = append(order, id)
		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}
	return order, nil
}

// Clear unregisters every agent. Cleanup failures do not stop the sweep;
// they are combined into one diagnostic.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*BaseAgent)
	r.byType = make(map[string][]string)
	r.mu.Unlock()

	var errs []error
	for id, a := range agents {
		if err := a.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clearing registry: %w", errors.Join(errs...))
	}
	return nil
}
