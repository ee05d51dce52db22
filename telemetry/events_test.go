package telemetry

import (
	"testing"
)

// TestEmitterDeliversToKindSubscribers tests per-kind routing
func TestEmitterDeliversToKindSubscribers(t *testing.T) {
	emitter := NewEmitter()

	var got []Event
	emitter.Subscribe(func(e Event) { got = append(got, e) }, EventStepComplete)

	emitter.Emit(EventStepStart, StepEvent{StepID: "a"})
	emitter.Emit(EventStepComplete, StepEvent{StepID: "a"})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Kind != EventStepComplete {
		t.Errorf("expected step:complete, got %s", got[0].Kind)
	}
	payload, ok := got[0].Payload.(StepEvent)
	if !ok || payload.StepID != "a" {
		t.Errorf("unexpected payload: %#v", got[0].Payload)
	}
}

// TestEmitterCatchAllSubscription tests subscribing with no kinds
func TestEmitterCatchAllSubscription(t *testing.T) {
	emitter := NewEmitter()

	count := 0
	emitter.Subscribe(func(Event) { count++ })

	emitter.Emit(EventWorkflowStart, WorkflowEvent{WorkflowID: "w1"})
	emitter.Emit(EventMessageQueued, MessageEvent{MessageID: "m1"})

	if count != 2 {
		t.Errorf("expected catch-all to see 2 events, got %d", count)
	}
}

// TestEmitterSurvivesPanickingHandler tests handler isolation
func TestEmitterSurvivesPanickingHandler(t *testing.T) {
	emitter := NewEmitter()

	emitter.Subscribe(func(Event) { panic("bad handler") }, EventAgentError)
	delivered := false
	emitter.Subscribe(func(Event) { delivered = true }, EventAgentError)

	emitter.Emit(EventAgentError, AgentEvent{AgentID: "x"})

	if !delivered {
		t.Error("second handler should still run after a panic in the first")
	}
}

// TestNilEmitterIsSafe tests that components can emit without a configured emitter
func TestNilEmitterIsSafe(t *testing.T) {
	var emitter *Emitter
	emitter.Emit(EventWorkflowError, WorkflowEvent{})
	emitter.Subscribe(func(Event) {}, EventWorkflowError)
}
