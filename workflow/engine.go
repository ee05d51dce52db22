package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/agent"
	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/telemetry"
)

// AgentExecutor is the slice of the agent registry the engine needs.
// *agent.Registry satisfies it.
type AgentExecutor interface {
	Has(id string) bool
	Execute(ctx context.Context, id string, input, execCtx map[string]interface{}, override *agent.RetryPolicy) (map[string]interface{}, error)
}

// compiled is a registered workflow with its expressions parsed once
type compiled struct {
	def        Definition
	order      []string
	steps      map[string]Step
	conditions map[string]condNode
}

// Engine registers workflow definitions and executes them over the agent
// registry. Steps run sequentially within one execution; multiple
// executions may run concurrently.
type Engine struct {
	agents AgentExecutor
	store  ExecutionStore
	logger core.Logger
	events *telemetry.Emitter

	mu        sync.RWMutex
	workflows map[string]*compiled
}

// NewEngine creates a workflow engine. A nil store defaults to the
// in-memory execution store.
func NewEngine(agents AgentExecutor, store ExecutionStore, logger core.Logger, events *telemetry.Emitter) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if events == nil {
		events = telemetry.NewEmitter()
	}
	return &Engine{
		agents:    agents,
		store:     store,
		logger:    logger,
		events:    events,
		workflows: make(map[string]*compiled),
	}
}

// RegisterWorkflow validates a definition, checks that every referenced
// agent is registered, compiles its expressions, and stores it. Cycles
// are also rejected here so registration fails fast; execution re-checks
// regardless.
func (e *Engine) RegisterWorkflow(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	steps := make(map[string]Step, len(def.Steps))
	conditions := make(map[string]condNode)
	for _, step := range def.Steps {
		if !e.agents.Has(step.AgentID) {
			return fmt.Errorf("%w: workflow %q step %q references agent %q", core.ErrAgentNotFound, def.ID, step.ID, step.AgentID)
		}
		if step.Condition != "" {
			node, err := parseCondition(step.Condition)
			if err != nil {
				return fmt.Errorf("workflow %q step %q: %w", def.ID, step.ID, err)
			}
			conditions[step.ID] = node
		}
		steps[step.ID] = step
	}

	order, err := topoOrder(def.Steps)
	if err != nil {
		return fmt.Errorf("workflow %q: %w", def.ID, err)
	}

	e.mu.Lock()
	e.workflows[def.ID] = &compiled{def: def, order: order, steps: steps, conditions: conditions}
	e.mu.Unlock()

	e.logger.Info("Workflow registered", map[string]interface{}{
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
	})
	return nil
}

// Execute runs a workflow to completion and returns the terminal
// execution record. A failed workflow still returns the execution so
// successful step outputs stay inspectable.
func (e *Engine) Execute(ctx context.Context, workflowID string, inputs map[string]interface{}) (*Execution, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrWorkflowNotFound, workflowID)
	}

	execution := &Execution{
		ExecutionID: uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      ExecutionRunning,
		StartTime:   time.Now(),
		StepResults: make(map[string]StepResult),
	}

	// Cycle detection runs before any step; a cycle leaves stepResults
	// empty.
	order, err := topoOrder(wf.def.Steps)
	if err != nil {
		e.finish(ctx, execution, ExecutionFailed)
		return execution, err
	}

	e.events.Emit(telemetry.EventWorkflowStart, telemetry.WorkflowEvent{
		WorkflowID:  workflowID,
		ExecutionID: execution.ExecutionID,
	})
	start := time.Now()

	// Only a stop-strategy failure fails the run. Step failures under
	// continue are collected in Errors and the run still completes with
	// whatever outputs resolve.
	var failure error
	stopped := false
	for _, stepID := range order {
		step := wf.steps[stepID]
		stop, err := e.runStep(ctx, wf, step, inputs, execution)
		if err != nil && failure == nil {
			failure = err
		}
		if stop {
			stopped = true
			break
		}
	}

	if stopped {
		e.finish(ctx, execution, ExecutionFailed)
		e.events.Emit(telemetry.EventWorkflowError, telemetry.WorkflowEvent{
			WorkflowID:  workflowID,
			ExecutionID: execution.ExecutionID,
			Status:      ExecutionFailed,
			Duration:    execution.Duration,
			Error:       failure.Error(),
		})
		telemetry.Duration("agentcore.workflow.execution_ms", start, "workflow_id", workflowID, "status", ExecutionFailed)
		return execution, failure
	}

	execution.Outputs = e.resolveOutputs(wf.def, inputs, execution.StepResults)
	e.finish(ctx, execution, ExecutionCompleted)
	e.events.Emit(telemetry.EventWorkflowComplete, telemetry.WorkflowEvent{
		WorkflowID:  workflowID,
		ExecutionID: execution.ExecutionID,
		Status:      ExecutionCompleted,
		Duration:    execution.Duration,
	})
	telemetry.Duration("agentcore.workflow.execution_ms", start, "workflow_id", workflowID, "status", ExecutionCompleted)
	return execution, nil
}

// runStep executes one step. The first return reports whether the
// workflow must stop; the second carries the step failure, if any.
func (e *Engine) runStep(ctx context.Context, wf *compiled, step Step, inputs map[string]interface{}, execution *Execution) (bool, error) {
	// Condition gate
	if node, ok := wf.conditions[step.ID]; ok {
		if !truthy(node.eval(inputs, execution.StepResults)) {
			execution.StepResults[step.ID] = StepResult{Status: StepSkipped, Timestamp: time.Now()}
			e.events.Emit(telemetry.EventStepSkipped, telemetry.StepEvent{
				ExecutionID: execution.ExecutionID,
				StepID:      step.ID,
				AgentID:     step.AgentID,
			})
			return false, nil
		}
	}

	// Dependency gate: every dependency must have succeeded. A failed or
	// skipped dependency fails this step too.
	for _, dep := range step.DependsOn {
		result, ok := execution.StepResults[dep]
		if !ok || result.Status != StepSuccess {
			err := fmt.Errorf("%w: step %q requires %q", core.ErrDependencyNotSatisfied, step.ID, dep)
			return e.failStep(wf, step, execution, err), err
		}
	}

	e.events.Emit(telemetry.EventStepStart, telemetry.StepEvent{
		ExecutionID: execution.ExecutionID,
		StepID:      step.ID,
		AgentID:     step.AgentID,
	})

	stepInputs := make(map[string]interface{}, len(step.Inputs))
	for name, value := range step.Inputs {
		stepInputs[name] = resolveValue(value, inputs, execution.StepResults)
	}

	execCtx := map[string]interface{}{
		"workflowId":  wf.def.ID,
		"executionId": execution.ExecutionID,
		"stepId":      step.ID,
	}
	output, err := e.agents.Execute(ctx, step.AgentID, stepInputs, execCtx, step.Retry)
	if err != nil {
		e.events.Emit(telemetry.EventStepError, telemetry.StepEvent{
			ExecutionID: execution.ExecutionID,
			StepID:      step.ID,
			AgentID:     step.AgentID,
			Error:       err.Error(),
		})
		return e.failStep(wf, step, execution, err), err
	}

	execution.StepResults[step.ID] = StepResult{
		Status:    StepSuccess,
		Output:    output,
		Timestamp: time.Now(),
	}
	e.events.Emit(telemetry.EventStepComplete, telemetry.StepEvent{
		ExecutionID: execution.ExecutionID,
		StepID:      step.ID,
		AgentID:     step.AgentID,
	})
	return false, nil
}

// failStep records a failed step and applies the error strategy. Returns
// whether the workflow must stop. The retry strategy behaves like stop
// here: the step's retry budget was already spent inside the execution.
func (e *Engine) failStep(wf *compiled, step Step, execution *Execution, cause error) bool {
	execution.StepResults[step.ID] = StepResult{
		Status:    StepFailed,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	execution.Errors = append(execution.Errors, StepError{StepID: step.ID, Message: cause.Error()})

	strategy := wf.def.defaultStrategy()
	if step.OnError != "" {
		strategy = step.OnError
	}

	e.logger.Warn("Workflow step failed", map[string]interface{}{
		"workflow_id": wf.def.ID,
		"step_id":     step.ID,
		"strategy":    string(strategy),
		"error":       cause.Error(),
	})
	return strategy != StrategyContinue
}

// resolveOutputs maps the workflow's declared outputs through the
// reference resolver.
func (e *Engine) resolveOutputs(def Definition, inputs map[string]interface{}, results map[string]StepResult) map[string]interface{} {
	if len(def.Outputs) == 0 {
		return map[string]interface{}{}
	}
	outputs := make(map[string]interface{}, len(def.Outputs))
	for name, expr := range def.Outputs {
		outputs[name] = resolveValue(expr, inputs, results)
	}
	return outputs
}

// finish marks the execution terminal and persists it
func (e *Engine) finish(ctx context.Context, execution *Execution, status string) {
	execution.Status = status
	execution.EndTime = time.Now()
	execution.Duration = execution.EndTime.Sub(execution.StartTime)
	if err := e.store.Save(ctx, execution.clone()); err != nil {
		e.logger.Error("Failed to persist execution", map[string]interface{}{
			"execution_id": execution.ExecutionID,
			"error":        err.Error(),
		})
	}
}

// GetExecution returns a stored execution by id
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return e.store.Get(ctx, executionID)
}

// ListExecutions returns stored executions, optionally filtered by
// workflow id.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*Execution, error) {
	return e.store.List(ctx, workflowID)
}

// Workflows returns the registered workflow ids
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		out = append(out, id)
	}
	return out
}
