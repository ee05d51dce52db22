package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/agenticcoder/agentcore/core"
)

func registryAgent(t *testing.T, id, agentType string, deps []string) *BaseAgent {
	t.Helper()
	def := Definition{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Type:         agentType,
		Dependencies: deps,
		RetryPolicy:  RetryPolicy{BaseBackoffMs: 1},
	}
	a, err := New(def, &stubRunner{}, Options{})
	if err != nil {
		t.Fatalf("creating agent %s: %v", id, err)
	}
	return a
}

// TestRegisterAndLookup tests registration, duplicate refusal, and lookups
func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil, nil)

	planner := registryAgent(t, "planner", TypeOrchestration, nil)
	if err := r.Register(planner); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(registryAgent(t, "planner", TypeTask, nil)); !errors.Is(err, core.ErrAgentExists) {
		t.Errorf("duplicate id must be refused, got %v", err)
	}

	if !r.Has("planner") || r.Has("ghost") {
		t.Error("Has is wrong")
	}
	got, err := r.Get("planner")
	if err != nil || got != planner {
		t.Errorf("Get returned %v, %v", got, err)
	}
	if _, err := r.Get("ghost"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

// TestFindByType tests the type index across register and unregister
func TestFindByType(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(registryAgent(t, "qa-1", TypeValidation, nil))
	_ = r.Register(registryAgent(t, "qa-2", TypeValidation, nil))
	_ = r.Register(registryAgent(t, "deployer", TypeInfrastructure, nil))

	if got := r.FindByType(TypeValidation); len(got) != 2 {
		t.Errorf("expected 2 validation agents, got %d", len(got))
	}

	if err := r.Unregister(context.Background(), "qa-1"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if got := r.FindByType(TypeValidation); len(got) != 1 || got[0].ID() != "qa-2" {
		t.Errorf("type index stale after unregister: %v", got)
	}
	if r.Has("qa-1") {
		t.Error("unregistered agent still present")
	}
}

// TestUnregisterCleansUp tests that unregister stops the agent
func TestUnregisterCleansUp(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := registryAgent(t, "worker", TypeTask, nil)
	_ = a.Initialize(context.Background())
	_ = r.Register(a)

	if err := r.Unregister(context.Background(), "worker"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if a.State() != StateStopped {
		t.Errorf("expected stopped after unregister, got %s", a.State())
	}
	if err := r.Unregister(context.Background(), "worker"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

// TestResolveDependencies tests topological ordering
func TestResolveDependencies(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(registryAgent(t, "db", TypeInfrastructure, nil))
	_ = r.Register(registryAgent(t, "api", TypeTask, []string{"db"}))
	_ = r.Register(registryAgent(t, "ui", TypeTask, []string{"api", "db"}))

	order, err := r.ResolveDependencies("ui")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	position := map[string]int{}
	for i, id := range order {
		position[id] = i
	}
	if position["db"] > position["api"] || position["api"] > position["ui"] {
		t.Errorf("dependency order violated: %v", order)
	}
	if order[len(order)-1] != "ui" {
		t.Errorf("resolved agent must come last: %v", order)
	}
}

// TestResolveDependenciesCycle tests cycle detection
func TestResolveDependenciesCycle(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(registryAgent(t, "a", TypeTask, []string{"b"}))
	_ = r.Register(registryAgent(t, "b", TypeTask, []string{"a"}))

	if _, err := r.ResolveDependencies("a"); !errors.Is(err, core.ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

// TestResolveDependenciesMissing tests unknown dependency ids
func TestResolveDependenciesMissing(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(registryAgent(t, "a", TypeTask, []string{"phantom"}))

	if _, err := r.ResolveDependencies("a"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

// TestClearCombinesFailures tests that Clear sweeps everything and
// aggregates cleanup errors.
func TestClearCombinesFailures(t *testing.T) {
	r := NewRegistry(nil, nil)

	failing, err := New(Definition{
		ID: "failing", Name: "failing", Version: "1", Type: TypeTask,
	}, &stubRunner{cleanupErr: errors.New("hook exploded")}, Options{})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	_ = failing.Initialize(context.Background())
	_ = r.Register(failing)
	_ = r.Register(registryAgent(t, "fine", TypeTask, nil))

	if err := r.Clear(context.Background()); err == nil {
		t.Error("expected combined cleanup diagnostic")
	}
	if r.Has("failing") || r.Has("fine") {
		t.Error("clear must remove every agent")
	}
}

// TestRegistryResolvesRecipients tests the bus.Directory adapter
func TestRegistryResolvesRecipients(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := registryAgent(t, "planner", TypeOrchestration, nil)
	_ = r.Register(a)

	recipient, ok := r.Resolve("planner")
	if !ok || recipient == nil {
		t.Fatal("registered agent should resolve as a recipient")
	}
	if _, ok := r.Resolve("ghost"); ok {
		t.Error("unknown agent must not resolve")
	}
}

// TestRegistryExecute tests the workflow-engine entry point
func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil, nil)
	def := testDefinition()
	a, err := New(def, &stubRunner{}, Options{Factory: (&fakeFactory{clients: map[string]*fakeClient{}}).new})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	_ = a.Initialize(context.Background())
	_ = r.Register(a)

	output, err := r.Execute(context.Background(), "echo-agent", map[string]interface{}{"value": "v"}, nil, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if output["echo"] != "v" {
		t.Errorf("unexpected output: %v", output)
	}

	if _, err := r.Execute(context.Background(), "ghost", nil, nil, nil); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
