// Package telemetry provides the typed event stream and metric emission
// used by the agent runtime, the workflow engine, and the message buses.
//
// Events are a closed enumeration: every event kind has a known payload
// type, and subscribers register per kind. Metric helpers emit through
// OpenTelemetry and are fire-and-forget.
package telemetry

import (
	"sync"
	"time"
)

// EventKind identifies one variant of the closed event enumeration
type EventKind string

const (
	// Agent lifecycle and execution
	EventAgentLifecycle EventKind = "lifecycle"
	EventAgentExecution EventKind = "execution"
	EventAgentError     EventKind = "agent:error"

	// Workflow engine
	EventWorkflowStart    EventKind = "workflow:start"
	EventWorkflowComplete EventKind = "workflow:complete"
	EventWorkflowError    EventKind = "workflow:error"
	EventStepStart        EventKind = "step:start"
	EventStepComplete     EventKind = "step:complete"
	EventStepError        EventKind = "step:error"
	EventStepSkipped      EventKind = "step:skipped"

	// Base bus
	EventDeliveryError EventKind = "delivery:error"

	// Enhanced bus
	EventMessageQueued     EventKind = "message:queued"
	EventMessageProcessed  EventKind = "message:processed"
	EventMessageRetry      EventKind = "message:retry"
	EventMessageDeadLetter EventKind = "message:deadletter"
	EventPhaseTransitioned EventKind = "phase:transitioned"
	EventApprovalRequested EventKind = "approval:requested"
	EventApprovalDecided   EventKind = "approval:decided"
)

// Event is one emitted occurrence. Payload holds the kind-specific struct
// (AgentEvent, WorkflowEvent, StepEvent, MessageEvent, PhaseEvent,
// ApprovalEvent).
type Event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AgentEvent is the payload for agent lifecycle/execution/error events
type AgentEvent struct {
	AgentID     string        `json:"agent_id"`
	State       string        `json:"state,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// WorkflowEvent is the payload for workflow start/complete/error events
type WorkflowEvent struct {
	WorkflowID  string        `json:"workflow_id"`
	ExecutionID string        `json:"execution_id"`
	Status      string        `json:"status,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// StepEvent is the payload for step lifecycle events
type StepEvent struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	AgentID     string `json:"agent_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// MessageEvent is the payload for bus message events
type MessageEvent struct {
	MessageID  string `json:"message_id"`
	Topic      string `json:"topic,omitempty"`
	Phase      int    `json:"phase,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Subscriber string `json:"subscriber,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PhaseEvent is the payload for phase transition events
type PhaseEvent struct {
	FromPhase int    `json:"from_phase"`
	ToPhase   int    `json:"to_phase"`
	Reason    string `json:"reason"`
	MessageID string `json:"message_id,omitempty"`
}

// ApprovalEvent is the payload for approval gate events
type ApprovalEvent struct {
	ApprovalID string `json:"approval_id"`
	Phase      int    `json:"phase"`
	Decision   string `json:"decision,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

// Handler receives events for the kinds it subscribed to. Handlers run on
// the emitting goroutine and must not block.
type Handler func(Event)

// Emitter fans events out to per-kind subscribers. The zero value is not
// usable; construct with NewEmitter. A nil *Emitter is safe to emit on.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	all      []Handler
}

// NewEmitter creates an event emitter
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventKind][]Handler)}
}

// Subscribe registers a handler for one or more event kinds
func (e *Emitter) Subscribe(handler Handler, kinds ...EventKind) {
	if e == nil || handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(kinds) == 0 {
		e.all = append(e.all, handler)
		return
	}
	for _, kind := range kinds {
		e.handlers[kind] = append(e.handlers[kind], handler)
	}
}

// Emit delivers an event to every subscriber of its kind. Panics in
// handlers are swallowed so telemetry can never take down the caller.
func (e *Emitter) Emit(kind EventKind, payload interface{}) {
	if e == nil {
		return
	}
	event := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	e.mu.RLock()
	kindHandlers := append([]Handler(nil), e.handlers[kind]...)
	allHandlers := append([]Handler(nil), e.all...)
	e.mu.RUnlock()

	for _, h := range kindHandlers {
		safeInvoke(h, event)
	}
	for _, h := range allHandlers {
		safeInvoke(h, event)
	}
}

func safeInvoke(h Handler, event Event) {
	defer func() {
		_ = recover()
	}()
	h(event)
}
