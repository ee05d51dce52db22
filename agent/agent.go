package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/bus"
	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/resilience"
	"github.com/agenticcoder/agentcore/telemetry"
	"github.com/agenticcoder/agentcore/toolclient"
)

// State is the agent lifecycle state
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// Runner is the behavior a concrete agent plugs into the base runtime.
// OnExecute must observe ctx cancellation; the base enforces the timeout
// but cannot reclaim a hook that ignores it.
type Runner interface {
	OnInitialize(ctx context.Context) error
	OnExecute(ctx context.Context, input, execCtx map[string]interface{}, executionID string) (map[string]interface{}, error)
	OnCleanup(ctx context.Context) error
}

// Options carries the optional collaborators of an agent. Zero values
// take no-op or default implementations.
type Options struct {
	Logger  core.Logger
	Events  *telemetry.Emitter
	Factory toolclient.Factory
}

// Status is the snapshot returned by GetStatus
type Status struct {
	ID               string        `json:"id"`
	State            State         `json:"state"`
	ExecutionCount   int           `json:"executionCount"`
	SuccessRate      float64       `json:"successRate"`
	AverageDuration  time.Duration `json:"averageDuration"`
	ConnectedServers []string      `json:"connectedServers"`
}

// BaseAgent is the runtime wrapper around a Runner: it owns the tool
// clients, enforces the lifecycle state machine, validates input and
// output against the definition's compiled schemas, and retries failed
// executions with doubling backoff.
type BaseAgent struct {
	def     Definition
	runner  Runner
	logger  core.Logger
	events  *telemetry.Emitter
	factory toolclient.Factory

	inputValidator  *core.SchemaValidator
	outputValidator *core.SchemaValidator

	mu      sync.Mutex
	state   State
	clients map[string]toolclient.Client
	history *history
}

// New builds an agent from its definition. Both schemas are compiled
// here, once; Execute never recompiles.
func New(def Definition, runner Runner, opts Options) (*BaseAgent, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("agent %q requires a runner", def.ID)
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Factory == nil {
		opts.Factory = toolclient.New
	}

	inputValidator, err := core.NewSchemaValidator("input", def.Inputs)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", def.ID, err)
	}
	outputValidator, err := core.NewSchemaValidator("output", def.Outputs)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", def.ID, err)
	}

	return &BaseAgent{
		def:             def,
		runner:          runner,
		logger:          opts.Logger,
		events:          opts.Events,
		factory:         opts.Factory,
		inputValidator:  inputValidator,
		outputValidator: outputValidator,
		state:           StateIdle,
		clients:         make(map[string]toolclient.Client),
		history:         newHistory(0),
	}, nil
}

// ID returns the agent id
func (a *BaseAgent) ID() string { return a.def.ID }

// Type returns the agent type
func (a *BaseAgent) Type() string { return a.def.Type }

// Definition returns the static definition
func (a *BaseAgent) Definition() Definition { return a.def }

// State returns the current lifecycle state
func (a *BaseAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize connects the declared tool servers in order and runs the
// OnInitialize hook. Each client is registered before its Connect so a
// failure can close everything opened so far. Failure leaves the agent
// in the error state.
func (a *BaseAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize agent %q in state %s", core.ErrInvalidState, a.def.ID, state)
	}
	a.state = StateInitializing
	a.mu.Unlock()
	a.emitLifecycle(StateInitializing)

	for _, cfg := range a.def.MCPServers {
		client, err := a.factory(cfg, a.logger)
		if err != nil {
			a.failInitialize(fmt.Errorf("creating tool client %q: %w", cfg.Name, err))
			return fmt.Errorf("agent %q: creating tool client %q: %w", a.def.ID, cfg.Name, err)
		}
		a.mu.Lock()
		a.clients[cfg.Name] = client
		a.mu.Unlock()

		if err := client.Connect(ctx); err != nil {
			a.failInitialize(fmt.Errorf("connecting tool client %q: %w", cfg.Name, err))
			return fmt.Errorf("agent %q: connecting tool client %q: %w", a.def.ID, cfg.Name, err)
		}
	}

	if err := a.runner.OnInitialize(ctx); err != nil {
		a.failInitialize(err)
		return fmt.Errorf("agent %q: initialize hook: %w", a.def.ID, err)
	}

	a.mu.Lock()
	a.state = StateReady
	a.mu.Unlock()
	a.emitLifecycle(StateReady)
	a.logger.Info("Agent initialized", map[string]interface{}{
		"agent_id":     a.def.ID,
		"tool_servers": len(a.def.MCPServers),
	})
	return nil
}

// failInitialize closes partially opened clients and records the error
// state.
func (a *BaseAgent) failInitialize(cause error) {
	a.closeClients()
	a.mu.Lock()
	a.state = StateError
	a.mu.Unlock()
	a.emitLifecycle(StateError)
	a.logger.Error("Agent initialization failed", map[string]interface{}{
		"agent_id": a.def.ID,
		"error":    cause.Error(),
	})
}

// ValidateInput checks a value against the definition's input schema
func (a *BaseAgent) ValidateInput(input interface{}) core.ValidationResult {
	return a.inputValidator.Validate(input)
}

// ValidateOutput checks a value against the definition's output schema
func (a *BaseAgent) ValidateOutput(output interface{}) core.ValidationResult {
	return a.outputValidator.Validate(output)
}

// Execute runs one validated execution: input schema check, the
// OnExecute hook raced against the per-attempt timeout, retry with
// doubling backoff on raised errors (never on validation errors), output
// schema check, and one ExecutionRecord carrying the final attempt
// number.
func (a *BaseAgent) Execute(ctx context.Context, input, execCtx map[string]interface{}) (map[string]interface{}, error) {
	return a.ExecuteWithRetry(ctx, input, execCtx, nil)
}

// ExecuteWithRetry is Execute with an explicit retry policy override
// (used by the workflow engine for step-level retry).
func (a *BaseAgent) ExecuteWithRetry(ctx context.Context, input, execCtx map[string]interface{}, override *RetryPolicy) (map[string]interface{}, error) {
	a.mu.Lock()
	if a.state != StateReady {
		state := a.state
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %q is %s", core.ErrAgentNotReady, a.def.ID, state)
	}
	a.state = StateExecuting
	a.mu.Unlock()

	if err := a.inputValidator.MustValidate(input); err != nil {
		// Contract violation: nothing ran, the agent stays usable
		a.setState(StateReady)
		return nil, err
	}

	executionID := uuid.New().String()
	start := time.Now()

	policy := a.def.RetryPolicy
	if override != nil {
		policy = *override
	}
	baseBackoff := time.Duration(policy.BaseBackoffMs) * time.Millisecond
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	retryCfg := &resilience.RetryConfig{
		MaxRetries:    policy.MaxRetries,
		InitialDelay:  baseBackoff,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}

	var output map[string]interface{}
	finalAttempt := 0
	err := resilience.Retry(ctx, retryCfg, func(err error) bool {
		return !core.IsValidationError(err)
	}, func(attempt int) error {
		finalAttempt = attempt
		result, attemptErr := a.runAttempt(ctx, input, execCtx, executionID)
		if attemptErr != nil {
			return attemptErr
		}
		if verr := a.outputValidator.MustValidate(result); verr != nil {
			return verr
		}
		output = result
		return nil
	})

	record := ExecutionRecord{
		ExecutionID: executionID,
		Input:       input,
		StartTime:   start,
		EndTime:     time.Now(),
		Attempt:     finalAttempt,
	}
	record.Duration = record.EndTime.Sub(record.StartTime)

	if err != nil {
		record.Status = StatusError
		record.Error = err.Error()
		a.history.append(record)
		a.setState(StateError)
		a.emitError(executionID, finalAttempt, err)
		telemetry.RecordError("agentcore.agent.errors", "execution", "agent_id", a.def.ID)
		return nil, err
	}

	record.Status = StatusSuccess
	record.Output = output
	a.history.append(record)
	a.setState(StateReady)

	a.events.Emit(telemetry.EventAgentExecution, telemetry.AgentEvent{
		AgentID:     a.def.ID,
		ExecutionID: executionID,
		Attempt:     finalAttempt,
		Duration:    record.Duration,
	})
	telemetry.Duration("agentcore.agent.execution_ms", start, "agent_id", a.def.ID)
	return output, nil
}

// runAttempt races the OnExecute hook against the per-attempt timeout
func (a *BaseAgent) runAttempt(ctx context.Context, input, execCtx map[string]interface{}, executionID string) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.def.Timeout())
	defer cancel()

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := a.runner.OnExecute(attemptCtx, input, execCtx, executionID)
		done <- outcome{output, err}
	}()

	select {
	case result := <-done:
		return result.output, result.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent %q exceeded %s", core.ErrTimeout, a.def.ID, a.def.Timeout())
		}
		return nil, attemptCtx.Err()
	}
}

// Cleanup closes every tool client, runs the OnCleanup hook, and moves to
// stopped. Every closure is attempted even when earlier ones fail.
// Idempotent.
func (a *BaseAgent) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.emitLifecycle(StateStopped)
	closeErr := a.closeClients()

	hookErr := a.runner.OnCleanup(ctx)

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	a.logger.Info("Agent cleaned up", map[string]interface{}{"agent_id": a.def.ID})
	return errors.Join(closeErr, hookErr)
}

// closeClients disconnects every tool client, attempting all closures
// and collecting the failures.
func (a *BaseAgent) closeClients() error {
	a.mu.Lock()
	clients := a.clients
	a.clients = make(map[string]toolclient.Client)
	a.mu.Unlock()

	var errs []error
	for name, client := range clients {
		if err := client.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("closing tool client %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ToolClient returns a connected tool client by server name
func (a *BaseAgent) ToolClient(name string) (toolclient.Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	client, ok := a.clients[name]
	return client, ok
}

// GetStatus returns a point-in-time snapshot of the agent
func (a *BaseAgent) GetStatus() Status {
	a.mu.Lock()
	state := a.state
	servers := make([]string, 0, len(a.clients))
	for name := range a.clients {
		servers = append(servers, name)
	}
	a.mu.Unlock()

	count, successRate, avgDuration := a.history.stats()
	return Status{
		ID:               a.def.ID,
		State:            state,
		ExecutionCount:   count,
		SuccessRate:      successRate,
		AverageDuration:  avgDuration,
		ConnectedServers: servers,
	}
}

// ExecutionHistory returns the retained execution records oldest first
func (a *BaseAgent) ExecutionHistory() []ExecutionRecord {
	return a.history.snapshot()
}

// HasCapability reports whether the definition carries a capability tag
func (a *BaseAgent) HasCapability(tag string) bool {
	for _, capability := range a.def.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

// HandlePhaseMessage lets an agent serve as an enhanced-bus routing
// target: the message payload becomes the execution input.
func (a *BaseAgent) HandlePhaseMessage(ctx context.Context, msg bus.PhaseMessage) error {
	execCtx := map[string]interface{}{
		"messageId":   msg.MessageID,
		"phase":       msg.CurrentPhase,
		"messageType": string(msg.MessageType),
		"fromAgent":   msg.FromAgent,
	}
	_, err := a.Execute(ctx, msg.Payload, execCtx)
	return err
}

func (a *BaseAgent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *BaseAgent) emitLifecycle(state State) {
	a.events.Emit(telemetry.EventAgentLifecycle, telemetry.AgentEvent{
		AgentID: a.def.ID,
		State:   string(state),
	})
}

func (a *BaseAgent) emitError(executionID string, attempt int, err error) {
	a.events.Emit(telemetry.EventAgentError, telemetry.AgentEvent{
		AgentID:     a.def.ID,
		ExecutionID: executionID,
		Attempt:     attempt,
		Error:       err.Error(),
	})
}
