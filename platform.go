// Package agentcore composes the agent runtime, message buses, and
// workflow engine into one platform. Construction is explicit: no
// package-level singletons, every component receives its dependencies.
package agentcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenticcoder/agentcore/agent"
	"github.com/agenticcoder/agentcore/bus"
	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/telemetry"
	"github.com/agenticcoder/agentcore/workflow"
)

// Version is the platform version, set at build time via ldflags
var Version = "dev"

// Options configures a Platform. Zero values select working defaults:
// a no-op logger, default bus configs, and the in-memory execution
// store.
type Options struct {
	Logger         core.Logger
	BusConfig      *bus.Config
	PhaseBusConfig *bus.EnhancedConfig
	Store          workflow.ExecutionStore
}

// Platform bundles the composed components. Fields are exported so
// callers wire agents, workflows, and subscriptions directly.
type Platform struct {
	Logger   core.Logger
	Events   *telemetry.Emitter
	Registry *agent.Registry
	Bus      *bus.MessageBus
	PhaseBus *bus.EnhancedBus
	Engine   *workflow.Engine
	Store    workflow.ExecutionStore

	started bool
}

// New constructs a platform. The registry doubles as the phase bus
// directory so phase messages route to registered agents.
func New(opts Options) (*Platform, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	events := telemetry.NewEmitter()

	busConfig := bus.DefaultConfig()
	if opts.BusConfig != nil {
		busConfig = *opts.BusConfig
	}
	base, err := bus.NewMessageBus(busConfig, logger, events)
	if err != nil {
		return nil, fmt.Errorf("constructing message bus: %w", err)
	}

	registry := agent.NewRegistry(logger, events)

	phaseConfig := bus.DefaultEnhancedConfig()
	if opts.PhaseBusConfig != nil {
		phaseConfig = *opts.PhaseBusConfig
	}
	phaseBus, err := bus.NewEnhancedBus(base, phaseConfig, registry, logger, events)
	if err != nil {
		return nil, fmt.Errorf("constructing phase bus: %w", err)
	}

	store := opts.Store
	if store == nil {
		store = workflow.NewInMemoryStore()
	}
	engine := workflow.NewEngine(registry, store, logger, events)

	return &Platform{
		Logger:   logger,
		Events:   events,
		Registry: registry,
		Bus:      base,
		PhaseBus: phaseBus,
		Engine:   engine,
		Store:    store,
	}, nil
}

// Start brings the platform online. Today that means starting the phase
// bus processor; agents are initialized individually as they register.
func (p *Platform) Start(ctx context.Context) error {
	if p.started {
		return fmt.Errorf("%w: platform already started", core.ErrInvalidState)
	}
	p.PhaseBus.Start()
	p.started = true
	p.Logger.Info("Platform started", map[string]interface{}{"version": Version})
	return nil
}

// Shutdown stops message processing and cleans up every registered
// agent. Safe to call once after Start; cleanup failures are combined.
func (p *Platform) Shutdown(ctx context.Context) error {
	var errs []error
	if p.started {
		p.PhaseBus.Stop()
		p.started = false
	}
	if err := p.Registry.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	p.Logger.Info("Platform stopped", nil)
	return errors.Join(errs...)
}

// AddAgent registers an agent and initializes it
func (p *Platform) AddAgent(ctx context.Context, def agent.Definition, runner agent.Runner) (*agent.BaseAgent, error) {
	a, err := agent.New(def, runner, agent.Options{Logger: p.Logger, Events: p.Events})
	if err != nil {
		return nil, err
	}
	if err := p.Registry.Register(a); err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		_ = p.Registry.Unregister(ctx, def.ID)
		return nil, err
	}
	return a, nil
}
