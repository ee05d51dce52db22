package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/phases"
	"github.com/agenticcoder/agentcore/resilience"
	"github.com/agenticcoder/agentcore/telemetry"
)

// PhaseMessage is the unit of work flowing through the enhanced bus
type PhaseMessage struct {
	MessageID          string                 `json:"messageId"`
	CurrentPhase       int                    `json:"currentPhase"`
	MessageType        MessageType            `json:"messageType"`
	Payload            map[string]interface{} `json:"payload"`
	FromAgent          string                 `json:"fromAgent,omitempty"`
	RequiredCapability string                 `json:"requiredCapability,omitempty"`
	ApprovalRequired   *bool                  `json:"approvalRequired,omitempty"`
	Priority           Priority               `json:"priority"`
	RetryCount         int                    `json:"retryCount"`
}

// DeadLetterEntry is a message that exhausted its delivery retries
type DeadLetterEntry struct {
	Message       PhaseMessage `json:"message"`
	FailureReason string       `json:"failureReason"`
	FailedAt      time.Time    `json:"failedAt"`
	RetryCount    int          `json:"retryCount"`
}

// Recipient is a routing target the enhanced bus can deliver to
type Recipient interface {
	// HandlePhaseMessage processes one delivered message
	HandlePhaseMessage(ctx context.Context, msg PhaseMessage) error

	// HasCapability reports whether the recipient carries a capability tag
	HasCapability(tag string) bool
}

// Directory resolves agent ids to recipients. Resolution happens at
// dequeue time so agents registered after a message was queued still
// receive it.
type Directory interface {
	Resolve(agentID string) (Recipient, bool)
}

// EnhancedConfig controls the enhanced bus
type EnhancedConfig struct {
	// Tick is the processor cadence
	Tick time.Duration

	// MaxPerTick bounds deliveries per processor tick
	MaxPerTick int

	// MaxRetries is the delivery retry budget before dead-lettering
	MaxRetries int

	// Backoff parameters for re-enqueue delays
	BaseBackoff       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// DeliveryTimeout bounds one delivery attempt across all targets
	DeliveryTimeout time.Duration
}

// DefaultEnhancedConfig returns the standard enhanced bus configuration
func DefaultEnhancedConfig() EnhancedConfig {
	return EnhancedConfig{
		Tick:              100 * time.Millisecond,
		MaxPerTick:        10,
		MaxRetries:        3,
		BaseBackoff:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		DeliveryTimeout:   30 * time.Second,
	}
}

// Metrics is a point-in-time snapshot of enhanced bus counters
type Metrics struct {
	MessagesReceived       int64          `json:"messagesReceived"`
	MessagesProcessed      int64          `json:"messagesProcessed"`
	MessagesFailed         int64          `json:"messagesFailed"`
	MessagesRetried        int64          `json:"messagesRetried"`
	DeadLetterCount        int64          `json:"deadLetterCount"`
	PhaseTransitions       int64          `json:"phaseTransitions"`
	ApprovalGatesTriggered int64          `json:"approvalGatesTriggered"`
	QueueStats             map[string]int `json:"queueStats"`
	CurrentlyProcessing    int            `json:"currentlyProcessing"`
}

// Snapshot is the serializable state produced by ExportState
type Snapshot struct {
	Queues     map[string][]PhaseMessage `json:"queues"`
	DeadLetter []DeadLetterEntry         `json:"deadLetterQueue"`
	Metrics    Metrics                   `json:"metrics"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// phaseMessageSchema is the structural contract for queued messages
var phaseMessageSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"messageId", "currentPhase", "messageType", "payload"},
	"properties": map[string]interface{}{
		"messageId":          map[string]interface{}{"type": "string", "minLength": 1},
		"currentPhase":       map[string]interface{}{"type": "integer", "minimum": 0, "maximum": phases.PhaseCount - 1},
		"messageType":        map[string]interface{}{"enum": []interface{}{string(TypeExecution), string(TypeValidationGate), string(TypeEscalation), string(TypeNotification)}},
		"payload":            map[string]interface{}{"type": "object"},
		"fromAgent":          map[string]interface{}{"type": "string"},
		"requiredCapability": map[string]interface{}{"type": "string"},
		"approvalRequired":   map[string]interface{}{"type": "boolean"},
		"priority":           map[string]interface{}{"type": "integer"},
		"retryCount":         map[string]interface{}{"type": "integer", "minimum": 0},
	},
}

// tierQueue is one FIFO priority tier with its own lock
type tierQueue struct {
	mu    sync.Mutex
	items []PhaseMessage
}

func (q *tierQueue) push(msg PhaseMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

func (q *tierQueue) pop() (PhaseMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PhaseMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *tierQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *tierQueue) snapshot() []PhaseMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PhaseMessage(nil), q.items...)
}

func (q *tierQueue) replace(items []PhaseMessage) {
	q.mu.Lock()
	q.items = append([]PhaseMessage(nil), items...)
	q.mu.Unlock()
}

// EnhancedBus layers priority queues, phase-aware routing, delivery retry,
// a dead-letter queue, phase transitions, and approval gates over the base
// bus. The base bus remains fully usable through the embedded field.
type EnhancedBus struct {
	*MessageBus

	cfg       EnhancedConfig
	logger    core.Logger
	events    *telemetry.Emitter
	directory Directory
	validator *core.SchemaValidator
	backoff   *resilience.RetryConfig

	queues [priorityCount]*tierQueue

	dlqMu sync.Mutex
	dlq   []DeadLetterEntry // newest first

	metricsMu  sync.Mutex
	metrics    Metrics
	processing int

	approvalsMu sync.Mutex
	approvals   map[string]*ApprovalRequest
	granted     map[int]bool // phase -> approval consumed by next transition

	// procMu serializes processor ticks against state import
	procMu sync.Mutex

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewEnhancedBus creates an enhanced bus on top of a base bus. directory
// may be nil initially and attached later with SetDirectory; messages
// dequeued without a directory fail delivery and follow the retry path.
func NewEnhancedBus(base *MessageBus, cfg EnhancedConfig, directory Directory, logger core.Logger, events *telemetry.Emitter) (*EnhancedBus, error) {
	defaults := DefaultEnhancedConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = defaults.MaxPerTick
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	validator, err := core.NewSchemaValidator("phase message", phaseMessageSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling phase message schema: %w", err)
	}

	b := &EnhancedBus{
		MessageBus: base,
		cfg:        cfg,
		logger:     logger,
		events:     events,
		directory:  directory,
		validator:  validator,
		backoff: &resilience.RetryConfig{
			InitialDelay:  cfg.BaseBackoff,
			MaxDelay:      cfg.MaxBackoff,
			BackoffFactor: cfg.BackoffMultiplier,
		},
		approvals: make(map[string]*ApprovalRequest),
		granted:   make(map[int]bool),
	}
	for i := range b.queues {
		b.queues[i] = &tierQueue{}
	}
	return b, nil
}

// SetDirectory attaches the routing directory
func (b *EnhancedBus) SetDirectory(directory Directory) {
	b.procMu.Lock()
	b.directory = directory
	b.procMu.Unlock()
}

// Start launches the processor loop. Idempotent while running.
func (b *EnhancedBus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.processLoop(b.stop, b.done)
}

// Stop halts the processor loop and waits for the current tick to finish
func (b *EnhancedBus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	close(b.stop)
	<-b.done
	b.running = false
}

// PublishPhaseMessage validates and enqueues a message into its priority
// tier. Returns the assigned message id. Publish is fire-and-queue: a
// later delivery failure surfaces as events, never as an error here.
func (b *EnhancedBus) PublishPhaseMessage(ctx context.Context, msg PhaseMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.MessageType == "" {
		msg.MessageType = TypeExecution
	}
	if !validMessageTypes[msg.MessageType] {
		return "", fmt.Errorf("%w: unknown message type %q", core.ErrInvalidMessage, msg.MessageType)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]interface{}{}
	}
	msg.Priority = Classify(msg.CurrentPhase, msg.MessageType)

	if err := b.validator.MustValidate(msg); err != nil {
		return "", err
	}

	b.enqueue(msg)
	b.updateMetrics(func(m *Metrics) { m.MessagesReceived++ })

	b.events.Emit(telemetry.EventMessageQueued, telemetry.MessageEvent{
		MessageID: msg.MessageID,
		Phase:     msg.CurrentPhase,
		Priority:  msg.Priority.String(),
	})
	telemetry.Counter("agentcore.bus.messages_queued", "priority", msg.Priority.String())
	return msg.MessageID, nil
}

func (b *EnhancedBus) enqueue(msg PhaseMessage) {
	b.queues[msg.Priority].push(msg)
}

// processLoop is the single processor: every tick it drains the highest
// non-empty tier first, delivering at most MaxPerTick messages.
func (b *EnhancedBus) processLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick delivers one batch. Serialized against ImportState via procMu.
func (b *EnhancedBus) tick() {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	budget := b.cfg.MaxPerTick
	for tier := PriorityCritical; tier <= PriorityLow && budget > 0; tier++ {
		for budget > 0 {
			msg, ok := b.queues[tier].pop()
			if !ok {
				break
			}
			budget--
			b.dispatch(msg)
		}
	}
}

// dispatch delivers one message to its routing targets and applies the
// retry/dead-letter policy on failure.
func (b *EnhancedBus) dispatch(msg PhaseMessage) {
	b.setProcessing(1)
	defer b.setProcessing(-1)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DeliveryTimeout)
	defer cancel()

	err := b.deliverToTargets(ctx, msg)
	if err == nil {
		b.updateMetrics(func(m *Metrics) { m.MessagesProcessed++ })
		b.events.Emit(telemetry.EventMessageProcessed, telemetry.MessageEvent{
			MessageID: msg.MessageID,
			Phase:     msg.CurrentPhase,
			Priority:  msg.Priority.String(),
		})
		telemetry.Counter("agentcore.bus.messages_processed", "priority", msg.Priority.String())
		return
	}
	b.handleFailure(msg, err)
}

// deliverToTargets resolves routing targets at dequeue time and delivers
// to each. Zero resolvable targets is a delivery failure.
func (b *EnhancedBus) deliverToTargets(ctx context.Context, msg PhaseMessage) error {
	targets := b.routingTargets(msg.CurrentPhase, msg)
	if len(targets) == 0 {
		return fmt.Errorf("no routing targets for phase %d", msg.CurrentPhase)
	}

	var failures []error
	for agentID, recipient := range targets {
		if err := recipient.HandlePhaseMessage(ctx, msg); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", agentID, err))
		}
	}
	return errors.Join(failures...)
}

// routingTargets returns the resolvable recipients assigned to a phase,
// filtered by the message's required capability.
func (b *EnhancedBus) routingTargets(phase int, msg PhaseMessage) map[string]Recipient {
	if b.directory == nil {
		return nil
	}
	targets := make(map[string]Recipient)
	for _, agentID := range phases.AgentsFor(phase) {
		recipient, ok := b.directory.Resolve(agentID)
		if !ok {
			continue
		}
		if msg.RequiredCapability != "" && !recipient.HasCapability(msg.RequiredCapability) {
			continue
		}
		targets[agentID] = recipient
	}
	return targets
}

// handleFailure applies the retry policy: re-enqueue with backoff below
// the budget, promote to the dead-letter queue at the budget.
func (b *EnhancedBus) handleFailure(msg PhaseMessage, cause error) {
	msg.RetryCount++
	b.updateMetrics(func(m *Metrics) { m.MessagesFailed++ })

	if msg.RetryCount < b.cfg.MaxRetries {
		delay := b.backoff.Backoff(msg.RetryCount + 1)
		b.updateMetrics(func(m *Metrics) { m.MessagesRetried++ })
		b.events.Emit(telemetry.EventMessageRetry, telemetry.MessageEvent{
			MessageID:  msg.MessageID,
			Phase:      msg.CurrentPhase,
			Priority:   msg.Priority.String(),
			RetryCount: msg.RetryCount,
			Reason:     cause.Error(),
		})
		b.logger.Warn("Phase message delivery failed, retrying", map[string]interface{}{
			"message_id":  msg.MessageID,
			"phase":       msg.CurrentPhase,
			"retry_count": msg.RetryCount,
			"delay":       delay.String(),
			"error":       cause.Error(),
		})
		time.AfterFunc(delay, func() { b.enqueue(msg) })
		return
	}

	// Budget spent: promote to the dead-letter queue
	entry := DeadLetterEntry{
		Message:       msg,
		FailureReason: cause.Error(),
		FailedAt:      time.Now(),
		RetryCount:    msg.RetryCount,
	}
	b.dlqMu.Lock()
	b.dlq = append([]DeadLetterEntry{entry}, b.dlq...)
	b.dlqMu.Unlock()

	b.updateMetrics(func(m *Metrics) { m.DeadLetterCount++ })
	b.events.Emit(telemetry.EventMessageDeadLetter, telemetry.MessageEvent{
		MessageID:  msg.MessageID,
		Phase:      msg.CurrentPhase,
		Priority:   msg.Priority.String(),
		RetryCount: msg.RetryCount,
		Reason:     cause.Error(),
	})
	telemetry.Counter("agentcore.bus.dead_letters", "phase", fmt.Sprintf("%d", msg.CurrentPhase))
	b.logger.Error("Phase message dead-lettered", map[string]interface{}{
		"message_id":  msg.MessageID,
		"phase":       msg.CurrentPhase,
		"retry_count": msg.RetryCount,
		"error":       cause.Error(),
	})
}

// DLQFilter narrows GetDeadLetterQueue results
type DLQFilter struct {
	Phase *int
	Since time.Time
	Limit int
}

// GetDeadLetterQueue returns dead-letter entries newest first
func (b *EnhancedBus) GetDeadLetterQueue(filter DLQFilter) []DeadLetterEntry {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()

	var out []DeadLetterEntry
	for _, entry := range b.dlq {
		if filter.Phase != nil && entry.Message.CurrentPhase != *filter.Phase {
			continue
		}
		if !filter.Since.IsZero() && entry.FailedAt.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// RetryDeadLetterMessage removes an entry from the dead-letter queue,
// resets its retry budget, and re-enqueues it. A message that no longer
// validates is rejected and stays removed.
func (b *EnhancedBus) RetryDeadLetterMessage(messageID string) error {
	b.dlqMu.Lock()
	var found *DeadLetterEntry
	for i, entry := range b.dlq {
		if entry.Message.MessageID == messageID {
			found = &entry
			b.dlq = append(b.dlq[:i], b.dlq[i+1:]...)
			break
		}
	}
	b.dlqMu.Unlock()

	if found == nil {
		return fmt.Errorf("%w: %q not in dead-letter queue", core.ErrMessageNotFound, messageID)
	}

	b.updateMetrics(func(m *Metrics) { m.DeadLetterCount-- })

	msg := found.Message
	msg.RetryCount = 0
	if err := b.validator.MustValidate(msg); err != nil {
		// Rejected messages stay removed from the dead-letter queue.
		return err
	}

	b.enqueue(msg)
	b.events.Emit(telemetry.EventMessageQueued, telemetry.MessageEvent{
		MessageID: msg.MessageID,
		Phase:     msg.CurrentPhase,
		Priority:  msg.Priority.String(),
		Reason:    "dead-letter retry",
	})
	return nil
}

// TransitionContext carries the execution state a transition is judged
// against.
type TransitionContext struct {
	CompletedPhases []int
	Payload         map[string]interface{}
}

// TransitionResult reports the outcome of ProcessPhaseTransition. A
// fan-out transition (phase 8) lists every entered phase.
type TransitionResult struct {
	PhaseTransitioned bool     `json:"phaseTransitioned"`
	Escalated         bool     `json:"escalated"`
	AwaitingApproval  bool     `json:"awaitingApproval,omitempty"`
	NextPhases        []int    `json:"nextPhases,omitempty"`
	MessageIDs        []string `json:"messageIds,omitempty"`
	Diagnostic        string   `json:"diagnostic,omitempty"`
}

// ProcessPhaseTransition advances the lifecycle out of currentPhase for
// the given reason. The transition is refused when the state machine has
// no matching entry (escalated), when a prerequisite of the next phase is
// not completed, or when the current phase's approval gate has not been
// satisfied. On success a phase:transitioned event is emitted before the
// entry message for each next phase is queued at that phase's priority.
func (b *EnhancedBus) ProcessPhaseTransition(ctx context.Context, currentPhase int, reason phases.Reason, tctx TransitionContext) TransitionResult {
	successors, ok := phases.Successors(currentPhase, reason)
	if !ok {
		b.logger.Warn("No transition for phase and reason", map[string]interface{}{
			"phase":  currentPhase,
			"reason": string(reason),
		})
		return TransitionResult{Escalated: true, Diagnostic: fmt.Sprintf("no transition from phase %d for reason %q", currentPhase, reason)}
	}

	for _, next := range successors {
		if next == phases.Escalated {
			b.events.Emit(telemetry.EventPhaseTransitioned, telemetry.PhaseEvent{
				FromPhase: currentPhase,
				ToPhase:   phases.Escalated,
				Reason:    string(reason),
			})
			return TransitionResult{Escalated: true, Diagnostic: "escalated to human intervention"}
		}
	}

	// Approval gate on the current phase: progression pauses until a
	// decision is recorded, unless the reason itself is the approval.
	if phases.ApprovalRequired(currentPhase) && reason != phases.ReasonApproved && !b.consumeGrant(currentPhase) {
		b.updateMetrics(func(m *Metrics) { m.ApprovalGatesTriggered++ })
		return TransitionResult{
			AwaitingApproval: true,
			Diagnostic:       fmt.Sprintf("phase %d requires approval before transition", currentPhase),
		}
	}

	completed := make(map[int]bool, len(tctx.CompletedPhases))
	for _, p := range tctx.CompletedPhases {
		completed[p] = true
	}
	for _, next := range successors {
		for _, prereq := range phases.Prerequisites(next) {
			if !completed[prereq] && prereq != currentPhase {
				return TransitionResult{
					Diagnostic: fmt.Sprintf("phase %d prerequisite %d not completed", next, prereq),
				}
			}
		}
	}

	result := TransitionResult{PhaseTransitioned: true, NextPhases: successors}
	b.updateMetrics(func(m *Metrics) { m.PhaseTransitions++ })
	telemetry.Counter("agentcore.bus.phase_transitions", "reason", string(reason))

	for _, next := range successors {
		// Transition event strictly precedes the entry message
		b.events.Emit(telemetry.EventPhaseTransitioned, telemetry.PhaseEvent{
			FromPhase: currentPhase,
			ToPhase:   next,
			Reason:    string(reason),
		})

		payload := map[string]interface{}{
			"fromPhase": currentPhase,
			"reason":    string(reason),
		}
		for k, v := range tctx.Payload {
			payload[k] = v
		}
		messageID, err := b.PublishPhaseMessage(ctx, PhaseMessage{
			CurrentPhase: next,
			MessageType:  TypeExecution,
			Payload:      payload,
		})
		if err != nil {
			b.logger.Error("Failed to queue phase entry message", map[string]interface{}{
				"phase": next,
				"error": err.Error(),
			})
			continue
		}
		result.MessageIDs = append(result.MessageIDs, messageID)
	}
	return result
}

// ExportState returns a serializable snapshot of queues, the dead-letter
// queue, and metrics.
func (b *EnhancedBus) ExportState() Snapshot {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	queues := make(map[string][]PhaseMessage, priorityCount)
	for tier := PriorityCritical; tier <= PriorityLow; tier++ {
		queues[tier.String()] = b.queues[tier].snapshot()
	}

	b.dlqMu.Lock()
	dlq := append([]DeadLetterEntry(nil), b.dlq...)
	b.dlqMu.Unlock()

	return Snapshot{
		Queues:     queues,
		DeadLetter: dlq,
		Metrics:    b.Metrics(),
		Timestamp:  time.Now(),
	}
}

// ImportState atomically replaces queues, the dead-letter queue, and
// metrics with a snapshot. No tick runs while the replacement happens.
func (b *EnhancedBus) ImportState(snapshot Snapshot) {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	for tier := PriorityCritical; tier <= PriorityLow; tier++ {
		b.queues[tier].replace(snapshot.Queues[tier.String()])
	}

	b.dlqMu.Lock()
	b.dlq = append([]DeadLetterEntry(nil), snapshot.DeadLetter...)
	b.dlqMu.Unlock()

	b.metricsMu.Lock()
	b.metrics = snapshot.Metrics
	b.metrics.QueueStats = nil
	b.metrics.CurrentlyProcessing = 0
	b.metricsMu.Unlock()
}

// Metrics returns a snapshot of the counters plus live queue sizes
func (b *EnhancedBus) Metrics() Metrics {
	b.metricsMu.Lock()
	snapshot := b.metrics
	snapshot.CurrentlyProcessing = b.processing
	b.metricsMu.Unlock()

	stats := make(map[string]int, priorityCount+1)
	total := 0
	for tier := PriorityCritical; tier <= PriorityLow; tier++ {
		n := b.queues[tier].len()
		stats[tier.String()] = n
		total += n
	}
	stats["total"] = total
	snapshot.QueueStats = stats
	return snapshot
}

func (b *EnhancedBus) updateMetrics(fn func(*Metrics)) {
	b.metricsMu.Lock()
	fn(&b.metrics)
	b.metricsMu.Unlock()
}

func (b *EnhancedBus) setProcessing(delta int) {
	b.metricsMu.Lock()
	b.processing += delta
	b.metricsMu.Unlock()
}
