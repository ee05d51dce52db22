package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/phases"
	"github.com/agenticcoder/agentcore/telemetry"
)

// recordingDirectory resolves every agent id to a single recipient
type recordingDirectory struct {
	recipient Recipient
}

func (d *recordingDirectory) Resolve(agentID string) (Recipient, bool) {
	return d.recipient, true
}

// recordingRecipient records delivered message ids in arrival order
type recordingRecipient struct {
	mu     sync.Mutex
	seen   []string
	failFn func(msg PhaseMessage) error
}

func (r *recordingRecipient) HandlePhaseMessage(ctx context.Context, msg PhaseMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFn != nil {
		if err := r.failFn(msg); err != nil {
			return err
		}
	}
	// A phase message fans out to every agent of the phase; record each
	// message once.
	for _, id := range r.seen {
		if id == msg.MessageID {
			return nil
		}
	}
	r.seen = append(r.seen, msg.MessageID)
	return nil
}

func (r *recordingRecipient) HasCapability(tag string) bool { return true }

func (r *recordingRecipient) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newTestEnhancedBus(t *testing.T, cfg EnhancedConfig, directory Directory) (*EnhancedBus, *telemetry.Emitter) {
	t.Helper()
	events := telemetry.NewEmitter()
	base, err := NewMessageBus(Config{}, nil, events)
	if err != nil {
		t.Fatalf("creating base bus: %v", err)
	}
	if cfg.Tick == 0 {
		cfg.Tick = 5 * time.Millisecond
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	enhanced, err := NewEnhancedBus(base, cfg, directory, nil, events)
	if err != nil {
		t.Fatalf("creating enhanced bus: %v", err)
	}
	t.Cleanup(enhanced.Stop)
	return enhanced, events
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestClassify tests the (phase, messageType) priority table
func TestClassify(t *testing.T) {
	cases := []struct {
		phase       int
		messageType MessageType
		want        Priority
	}{
		{phases.PhaseProjectDiscovery, TypeExecution, PriorityHigh},
		{phases.PhaseImplementationPlan, TypeValidationGate, PriorityHigh},
		{phases.PhaseInfraCodeGen, TypeExecution, PriorityNormal},
		{phases.PhaseDeployment, TypeExecution, PriorityCritical},
		{phases.PhaseHandoff, TypeNotification, PriorityNormal},
		{phases.PhaseTracking, TypeExecution, PriorityLow},
		{phases.PhaseDocumentation, TypeExecution, PriorityLow},
		// Escalations are CRITICAL regardless of phase
		{phases.PhaseTracking, TypeEscalation, PriorityCritical},
		{phases.PhaseProjectDiscovery, TypeEscalation, PriorityCritical},
	}
	for _, tc := range cases {
		if got := Classify(tc.phase, tc.messageType); got != tc.want {
			t.Errorf("Classify(%d, %s) = %s, want %s", tc.phase, tc.messageType, got, tc.want)
		}
	}
}

// TestPriorityPreemption tests that messages enqueued LOW, NORMAL, HIGH,
// CRITICAL are delivered CRITICAL, HIGH, NORMAL, LOW.
func TestPriorityPreemption(t *testing.T) {
	recipient := &recordingRecipient{}
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, &recordingDirectory{recipient: recipient})

	ctx := context.Background()
	lowID, _ := b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseDocumentation})
	normalID, _ := b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseHandoff})
	highID, _ := b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseProjectDiscovery})
	criticalID, _ := b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseDeployment})

	b.Start()
	waitFor(t, 2*time.Second, func() bool { return len(recipient.order()) == 4 })

	want := []string{criticalID, highID, normalID, lowID}
	got := recipient.order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

// TestInvalidPhaseMessageRejected tests publish-time validation
func TestInvalidPhaseMessageRejected(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	if _, err := b.PublishPhaseMessage(context.Background(), PhaseMessage{CurrentPhase: 99}); !core.IsValidationError(err) {
		t.Errorf("expected validation error for out-of-range phase, got %v", err)
	}
	if _, err := b.PublishPhaseMessage(context.Background(), PhaseMessage{CurrentPhase: 0, MessageType: "gossip"}); err == nil {
		t.Error("expected rejection of unknown message type")
	}
}

// TestDeadLetterPromotionAndRetry tests retry exhaustion, DLQ inspection,
// and the retry-DLQ operation.
func TestDeadLetterPromotionAndRetry(t *testing.T) {
	var mu sync.Mutex
	failing := true
	attempts := 0
	recipient := &recordingRecipient{
		failFn: func(msg PhaseMessage) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if failing {
				return errors.New("agent raised")
			}
			return nil
		},
	}
	b, events := newTestEnhancedBus(t, EnhancedConfig{MaxRetries: 3}, &recordingDirectory{recipient: recipient})

	deadLettered := make(chan telemetry.Event, 1)
	events.Subscribe(func(e telemetry.Event) {
		select {
		case deadLettered <- e:
		default:
		}
	}, telemetry.EventMessageDeadLetter)

	b.Start()
	msgID, err := b.PublishPhaseMessage(context.Background(), PhaseMessage{CurrentPhase: phases.PhaseHandoff})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-deadLettered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never dead-lettered")
	}

	entries := b.GetDeadLetterQueue(DLQFilter{})
	if len(entries) != 1 || entries[0].Message.MessageID != msgID {
		t.Fatalf("expected the message in the DLQ, got %v", entries)
	}
	if entries[0].RetryCount != 3 {
		t.Errorf("dead-lettered retry count should equal the budget, got %d", entries[0].RetryCount)
	}

	// Phase filter excludes other phases
	other := phases.PhaseTracking
	if got := b.GetDeadLetterQueue(DLQFilter{Phase: &other}); len(got) != 0 {
		t.Errorf("phase filter should exclude the entry: %v", got)
	}

	// Retry out of the DLQ: the recipient now succeeds
	mu.Lock()
	failing = false
	mu.Unlock()
	if err := b.RetryDeadLetterMessage(msgID); err != nil {
		t.Fatalf("retry-DLQ failed: %v", err)
	}
	if got := b.GetDeadLetterQueue(DLQFilter{}); len(got) != 0 {
		t.Errorf("retried entry should leave the DLQ: %v", got)
	}
	waitFor(t, 2*time.Second, func() bool { return len(recipient.order()) == 1 })

	if err := b.RetryDeadLetterMessage("absent"); !errors.Is(err, core.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

// TestPhaseTransitionSuccess tests a plain transition with prerequisites
// satisfied and no approval gate.
func TestPhaseTransitionSuccess(t *testing.T) {
	recipient := &recordingRecipient{}
	b, events := newTestEnhancedBus(t, EnhancedConfig{}, &recordingDirectory{recipient: recipient})

	var mu sync.Mutex
	var sequence []string
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		sequence = append(sequence, string(e.Kind))
		mu.Unlock()
	}, telemetry.EventPhaseTransitioned, telemetry.EventMessageQueued)

	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseHandoff, phases.ReasonSuccess, TransitionContext{
		CompletedPhases: []int{0, 1, 2, 3, 4, 5, 6, 7},
	})
	if !result.PhaseTransitioned {
		t.Fatalf("transition refused: %+v", result)
	}
	if len(result.NextPhases) != 1 || result.NextPhases[0] != phases.PhaseAppCodeGen {
		t.Errorf("expected next phase 8, got %v", result.NextPhases)
	}
	if len(result.MessageIDs) != 1 {
		t.Errorf("expected one entry message, got %v", result.MessageIDs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sequence) < 2 || sequence[0] != string(telemetry.EventPhaseTransitioned) {
		t.Errorf("phase:transitioned must precede the entry message: %v", sequence)
	}
}

// TestPhaseTransitionFanOut tests that phase 8 enters 9 and 10 together
func TestPhaseTransitionFanOut(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseAppCodeGen, phases.ReasonSuccess, TransitionContext{
		CompletedPhases: []int{0, 1, 2, 3, 4, 5, 6, 7, 8},
	})
	if !result.PhaseTransitioned || len(result.NextPhases) != 2 {
		t.Fatalf("expected fan-out to two phases: %+v", result)
	}
	if len(result.MessageIDs) != 2 {
		t.Errorf("expected an entry message per phase, got %v", result.MessageIDs)
	}

	// Both entry messages sit in their phase's tier
	metrics := b.Metrics()
	if metrics.QueueStats["LOW"] != 1 || metrics.QueueStats["NORMAL"] != 1 {
		t.Errorf("expected tracking in LOW and testing in NORMAL: %v", metrics.QueueStats)
	}
}

// TestPhaseTransitionPrerequisiteRefused tests prerequisite checking
func TestPhaseTransitionPrerequisiteRefused(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	// Entering phase 11 requires 9 and 10 completed
	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseTracking, phases.ReasonSuccess, TransitionContext{
		CompletedPhases: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	})
	if result.PhaseTransitioned {
		t.Fatalf("transition should be refused: %+v", result)
	}
	if result.Escalated {
		t.Error("prerequisite refusal is not an escalation")
	}
	if result.Diagnostic == "" {
		t.Error("expected a diagnostic")
	}
}

// TestPhaseTransitionEscalation tests the escalated outcomes
func TestPhaseTransitionEscalation(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	// Unknown (phase, reason) pair
	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseHandoff, phases.ReasonRevise, TransitionContext{})
	if result.PhaseTransitioned || !result.Escalated {
		t.Errorf("unknown reason should escalate: %+v", result)
	}

	// Explicit escalation reason
	result = b.ProcessPhaseTransition(context.Background(), phases.PhaseHandoff, phases.ReasonEscalation, TransitionContext{})
	if result.PhaseTransitioned || !result.Escalated {
		t.Errorf("escalation reason should escalate: %+v", result)
	}
}

// TestApprovalGate tests that an approval-required phase blocks until a
// decision is recorded and proceeds once approved.
func TestApprovalGate(t *testing.T) {
	b, events := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	var decided []telemetry.Event
	var mu sync.Mutex
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		decided = append(decided, e)
		mu.Unlock()
	}, telemetry.EventApprovalDecided)

	completed := TransitionContext{CompletedPhases: []int{0, 1, 2, 3}}

	// Phase 3 requires approval: the transition pauses
	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseImplementationPlan, phases.ReasonSuccess, completed)
	if result.PhaseTransitioned || !result.AwaitingApproval {
		t.Fatalf("expected awaiting approval: %+v", result)
	}

	request, err := b.RequestApproval(phases.PhaseImplementationPlan, map[string]interface{}{"plan": "v1"})
	if err != nil {
		t.Fatalf("request approval failed: %v", err)
	}
	if request.Status != StatusAwaitingApproval {
		t.Errorf("expected awaiting_approval, got %s", request.Status)
	}

	if _, err := b.SubmitApprovalDecision(request.ApprovalID, DecisionApprove, "looks good"); err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	// The grant releases the pending transition
	result = b.ProcessPhaseTransition(context.Background(), phases.PhaseImplementationPlan, phases.ReasonSuccess, completed)
	if !result.PhaseTransitioned {
		t.Fatalf("approved transition should proceed: %+v", result)
	}

	// One approval releases exactly one transition
	result = b.ProcessPhaseTransition(context.Background(), phases.PhaseImplementationPlan, phases.ReasonSuccess, completed)
	if result.PhaseTransitioned {
		t.Error("grant must be consumed by the first transition")
	}

	// A second decision on the same request is refused
	if _, err := b.SubmitApprovalDecision(request.ApprovalID, DecisionReject, ""); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double decision, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decided) != 1 {
		t.Errorf("expected one approval:decided event, got %d", len(decided))
	}
}

// TestApprovalRejectKeepsGateClosed tests reject and revise outcomes
func TestApprovalRejectKeepsGateClosed(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	request, err := b.RequestApproval(phases.PhaseProjectDiscovery, nil)
	if err != nil {
		t.Fatalf("request approval failed: %v", err)
	}
	if _, err := b.SubmitApprovalDecision(request.ApprovalID, DecisionReject, "redo"); err != nil {
		t.Fatalf("decision failed: %v", err)
	}

	result := b.ProcessPhaseTransition(context.Background(), phases.PhaseProjectDiscovery, phases.ReasonSuccess, TransitionContext{CompletedPhases: []int{0}})
	if result.PhaseTransitioned {
		t.Error("rejected gate must stay closed")
	}

	// Approval requests on ungated phases are refused
	if _, err := b.RequestApproval(phases.PhaseHandoff, nil); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for ungated phase, got %v", err)
	}
}

// TestExportImportState tests the snapshot round trip
func TestExportImportState(t *testing.T) {
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)

	ctx := context.Background()
	_, _ = b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseProjectDiscovery})
	_, _ = b.PublishPhaseMessage(ctx, PhaseMessage{CurrentPhase: phases.PhaseHandoff})

	snapshot := b.ExportState()
	if snapshot.Metrics.MessagesReceived != 2 {
		t.Errorf("expected 2 received in snapshot, got %d", snapshot.Metrics.MessagesReceived)
	}
	if len(snapshot.Queues["HIGH"]) != 1 || len(snapshot.Queues["NORMAL"]) != 1 {
		t.Errorf("unexpected queue snapshot: %v", snapshot.Queues)
	}

	// A fresh bus imports the snapshot and reports identical state
	fresh, _ := newTestEnhancedBus(t, EnhancedConfig{}, nil)
	fresh.ImportState(snapshot)
	metrics := fresh.Metrics()
	if metrics.MessagesReceived != 2 {
		t.Errorf("imported metrics lost: %+v", metrics)
	}
	if metrics.QueueStats["HIGH"] != 1 || metrics.QueueStats["total"] != 2 {
		t.Errorf("imported queues lost: %v", metrics.QueueStats)
	}
}

// TestMetricsCounters tests the processed/failed/retried counters
func TestMetricsCounters(t *testing.T) {
	recipient := &recordingRecipient{}
	b, _ := newTestEnhancedBus(t, EnhancedConfig{}, &recordingDirectory{recipient: recipient})
	b.Start()

	_, _ = b.PublishPhaseMessage(context.Background(), PhaseMessage{CurrentPhase: phases.PhaseHandoff})
	waitFor(t, 2*time.Second, func() bool { return b.Metrics().MessagesProcessed == 1 })

	metrics := b.Metrics()
	if metrics.MessagesReceived != 1 || metrics.MessagesFailed != 0 {
		t.Errorf("unexpected counters: %+v", metrics)
	}
	if metrics.QueueStats["total"] != 0 {
		t.Errorf("queues should drain: %v", metrics.QueueStats)
	}
}
