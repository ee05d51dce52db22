// Package workflow provides the declarative workflow engine: DAG-ordered
// step execution over registered agents, reference-resolved data flow,
// conditional steps, per-step retry and error strategies, and pluggable
// execution storage.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agenticcoder/agentcore/agent"
)

// Error-handling strategies
type Strategy string

const (
	StrategyStop     Strategy = "stop"
	StrategyContinue Strategy = "continue"

	// StrategyRetry is accepted for compatibility; by the time the
	// strategy applies the step's retry budget is already exhausted, so
	// it behaves like stop.
	StrategyRetry Strategy = "retry"
)

// Step statuses
const (
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Execution statuses
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// ErrorHandling sets the workflow-wide default strategy
type ErrorHandling struct {
	Strategy Strategy `yaml:"strategy" json:"strategy"`
}

// Step is one unit of a workflow: an agent invocation with
// reference-resolved inputs.
type Step struct {
	ID      string `yaml:"id" json:"id"`
	AgentID string `yaml:"agentId" json:"agentId"`

	// Inputs maps input names to literals or reference expressions
	// ($input.<path> or $steps.<stepId>.output.<path>)
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// DependsOn lists steps that must succeed before this one runs
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// Condition skips the step when it evaluates to false
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Retry overrides the agent's retry policy for this step
	Retry *agent.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// OnError overrides the workflow's default strategy for this step
	OnError Strategy `yaml:"onError,omitempty" json:"onError,omitempty"`
}

// Definition is a declarative workflow
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	Steps []Step `yaml:"steps" json:"steps"`

	// Outputs maps external output names to reference expressions
	// resolved against step results after the run
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	ErrorHandling ErrorHandling `yaml:"errorHandling,omitempty" json:"errorHandling,omitempty"`
}

// Validate checks structural requirements: ids present, step ids unique,
// dependsOn edges pointing at known steps.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow requires an id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %q has a step without an id", d.ID)
		}
		if step.AgentID == "" {
			return fmt.Errorf("workflow %q step %q has no agentId", d.ID, step.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("workflow %q has duplicate step id %q", d.ID, step.ID)
		}
		seen[step.ID] = true
	}
	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("workflow %q step %q depends on unknown step %q", d.ID, step.ID, dep)
			}
		}
	}
	switch d.ErrorHandling.Strategy {
	case "", StrategyStop, StrategyContinue, StrategyRetry:
	default:
		return fmt.Errorf("workflow %q has unknown error strategy %q", d.ID, d.ErrorHandling.Strategy)
	}
	return nil
}

// defaultStrategy resolves the workflow's error strategy
func (d Definition) defaultStrategy() Strategy {
	if d.ErrorHandling.Strategy == "" {
		return StrategyStop
	}
	return d.ErrorHandling.Strategy
}

// StepResult is the recorded outcome of one step
type StepResult struct {
	Status    string                 `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// StepError identifies one failed step in an execution's error list
type StepError struct {
	StepID  string `json:"stepId"`
	Message string `json:"message"`
}

// Execution is the runtime record of one workflow run. Once the status
// leaves running the execution is terminal and never mutated again.
type Execution struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Status      string                 `json:"status"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     time.Time              `json:"endTime,omitempty"`
	Duration    time.Duration          `json:"duration,omitempty"`
	StepResults map[string]StepResult  `json:"stepResults"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Errors      []StepError            `json:"errors,omitempty"`
}

// clone deep-copies the execution so stored state never aliases the
// engine's working copy.
func (e *Execution) clone() *Execution {
	out := *e
	out.StepResults = make(map[string]StepResult, len(e.StepResults))
	for id, result := range e.StepResults {
		out.StepResults[id] = result
	}
	if e.Outputs != nil {
		out.Outputs = make(map[string]interface{}, len(e.Outputs))
		for k, v := range e.Outputs {
			out.Outputs[k] = v
		}
	}
	out.Errors = append([]StepError(nil), e.Errors...)
	return &out
}

// ParseDefinition decodes a YAML workflow definition
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}
