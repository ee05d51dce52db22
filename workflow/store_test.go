package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agenticcoder/agentcore/core"
)

func sampleExecution(id, workflowID string) *Execution {
	return &Execution{
		ExecutionID: id,
		WorkflowID:  workflowID,
		Status:      ExecutionCompleted,
		StartTime:   time.Now(),
		StepResults: map[string]StepResult{
			"a": {Status: StepSuccess, Output: map[string]interface{}{"v": float64(1)}},
		},
	}
}

// TestInMemoryStoreRoundTrip saves and reloads an execution
func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, sampleExecution("e1", "w1")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkflowID != "w1" || got.StepResults["a"].Status != StepSuccess {
		t.Errorf("got %+v", got)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("missing execution error = %v", err)
	}
}

// TestInMemoryStoreIsolation verifies stored state never aliases the
// caller's execution: mutations after Save are invisible, and mutations
// of a Get result do not leak back.
func TestInMemoryStoreIsolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	execution := sampleExecution("e1", "w1")
	if err := store.Save(ctx, execution); err != nil {
		t.Fatalf("Save: %v", err)
	}
	execution.StepResults["b"] = StepResult{Status: StepFailed}

	got, _ := store.Get(ctx, "e1")
	if _, leaked := got.StepResults["b"]; leaked {
		t.Error("mutation after Save leaked into store")
	}

	got.StepResults["c"] = StepResult{Status: StepFailed}
	again, _ := store.Get(ctx, "e1")
	if _, leaked := again.StepResults["c"]; leaked {
		t.Error("mutation of Get result leaked into store")
	}
}

// TestInMemoryStoreList filters by workflow and preserves insertion order
func TestInMemoryStoreList(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, pair := range [][2]string{{"e1", "w1"}, {"e2", "w2"}, {"e3", "w1"}} {
		if err := store.Save(ctx, sampleExecution(pair[0], pair[1])); err != nil {
			t.Fatalf("Save %s: %v", pair[0], err)
		}
	}

	w1, err := store.List(ctx, "w1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(w1) != 2 || w1[0].ExecutionID != "e1" || w1[1].ExecutionID != "e3" {
		t.Errorf("w1 executions = %v", w1)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all executions = %d, want 3", len(all))
	}
}

// TestInMemoryStoreSaveTwice keeps one index entry per execution id
func TestInMemoryStoreSaveTwice(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	execution := sampleExecution("e1", "w1")
	if err := store.Save(ctx, execution); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	execution.Status = ExecutionFailed
	if err := store.Save(ctx, execution); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	listed, _ := store.List(ctx, "w1")
	if len(listed) != 1 {
		t.Fatalf("listed = %d entries, want 1", len(listed))
	}
	if listed[0].Status != ExecutionFailed {
		t.Errorf("status = %q, want the updated value", listed[0].Status)
	}
}

// TestStoreRejectsAnonymousExecution refuses records without an id
func TestStoreRejectsAnonymousExecution(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.Save(context.Background(), &Execution{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
	if err := store.Save(context.Background(), nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("nil execution error = %v, want ErrInvalidInput", err)
	}
}
