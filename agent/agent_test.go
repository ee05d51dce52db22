package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agenticcoder/agentcore/bus"
	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/toolclient"
)

// stubRunner is a configurable Runner for tests
type stubRunner struct {
	initErr    error
	cleanupErr error
	execute    func(ctx context.Context, input, execCtx map[string]interface{}, executionID string) (map[string]interface{}, error)
}

func (s *stubRunner) OnInitialize(ctx context.Context) error { return s.initErr }
func (s *stubRunner) OnCleanup(ctx context.Context) error    { return s.cleanupErr }
func (s *stubRunner) OnExecute(ctx context.Context, input, execCtx map[string]interface{}, executionID string) (map[string]interface{}, error) {
	if s.execute == nil {
		return map[string]interface{}{"echo": input["value"]}, nil
	}
	return s.execute(ctx, input, execCtx, executionID)
}

// fakeClient records connect/disconnect calls
type fakeClient struct {
	mu           sync.Mutex
	name         string
	connectErr   error
	closeErr     error
	connected    bool
	disconnected bool
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func (f *fakeClient) HealthCheck(ctx context.Context) bool { return f.connected }

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return f.closeErr
}

// fakeFactory hands out pre-built clients by server name
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func (f *fakeFactory) new(cfg toolclient.ServerConfig, logger core.Logger) (toolclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[cfg.Name]
	if !ok {
		client = &fakeClient{name: cfg.Name}
		f.clients[cfg.Name] = client
	}
	return client, nil
}

func testDefinition() Definition {
	return Definition{
		ID:      "echo-agent",
		Name:    "Echo",
		Version: "1.0.0",
		Type:    TypeTask,
		Inputs: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"value"},
			"properties": map[string]interface{}{
				"value": map[string]interface{}{"type": "string"},
			},
		},
		Outputs: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"echo"},
			"properties": map[string]interface{}{
				"echo": map[string]interface{}{"type": "string"},
			},
		},
		TimeoutMs:   2000,
		RetryPolicy: RetryPolicy{MaxRetries: 2, BaseBackoffMs: 1},
	}
}

func newTestAgent(t *testing.T, def Definition, runner Runner, factory toolclient.Factory) *BaseAgent {
	t.Helper()
	a, err := New(def, runner, Options{Factory: factory})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	return a
}

// TestLifecycleHappyPath tests idle -> initializing -> ready -> executing
// -> ready -> stopped.
func TestLifecycleHappyPath(t *testing.T) {
	factory := &fakeFactory{clients: map[string]*fakeClient{}}
	def := testDefinition()
	def.MCPServers = []toolclient.ServerConfig{{Name: "files", Transport: toolclient.TransportHTTP, BaseURL: "http://localhost:1"}}
	a := newTestAgent(t, def, &stubRunner{}, factory.new)

	if a.State() != StateIdle {
		t.Fatalf("new agent should be idle, is %s", a.State())
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if a.State() != StateReady {
		t.Fatalf("expected ready, got %s", a.State())
	}
	if !factory.clients["files"].connected {
		t.Error("tool client should be connected")
	}

	output, err := a.Execute(context.Background(), map[string]interface{}{"value": "hi"}, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if output["echo"] != "hi" {
		t.Errorf("unexpected output: %v", output)
	}
	if a.State() != StateReady {
		t.Errorf("agent should return to ready, is %s", a.State())
	}

	if err := a.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if a.State() != StateStopped {
		t.Errorf("expected stopped, got %s", a.State())
	}
	if !factory.clients["files"].disconnected {
		t.Error("tool client should be disconnected after cleanup")
	}
}

// TestExecuteRefusedWhenNotReady tests the state guard
func TestExecuteRefusedWhenNotReady(t *testing.T) {
	a := newTestAgent(t, testDefinition(), &stubRunner{}, nil)

	// Still idle
	if _, err := a.Execute(context.Background(), map[string]interface{}{"value": "x"}, nil); !errors.Is(err, core.ErrAgentNotReady) {
		t.Errorf("expected ErrAgentNotReady, got %v", err)
	}
}

// TestInputValidationNotRetried tests that schema failures surface
// immediately and leave the agent ready.
func TestInputValidationNotRetried(t *testing.T) {
	calls := 0
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"echo": "x"}, nil
	}}
	a := newTestAgent(t, testDefinition(), runner, nil)
	_ = a.Initialize(context.Background())

	_, err := a.Execute(context.Background(), map[string]interface{}{"wrong": 1}, nil)
	if !core.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("OnExecute must not run on invalid input, ran %d times", calls)
	}
	if a.State() != StateReady {
		t.Errorf("agent should stay ready after a contract violation, is %s", a.State())
	}
	if len(a.ExecutionHistory()) != 0 {
		t.Error("contract violations should not be recorded as executions")
	}
}

// TestRetryThenSuccess tests a transient failure followed by success:
// one record, final attempt number 2.
func TestRetryThenSuccess(t *testing.T) {
	calls := 0
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"echo": "recovered"}, nil
	}}
	a := newTestAgent(t, testDefinition(), runner, nil)
	_ = a.Initialize(context.Background())

	output, err := a.Execute(context.Background(), map[string]interface{}{"value": "x"}, nil)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if output["echo"] != "recovered" {
		t.Errorf("unexpected output: %v", output)
	}

	records := a.ExecutionHistory()
	if len(records) != 1 {
		t.Fatalf("expected one record per outer execute, got %d", len(records))
	}
	if records[0].Attempt != 2 || records[0].Status != StatusSuccess {
		t.Errorf("expected successful attempt 2, got %+v", records[0])
	}
}

// TestRetryExhaustion tests final failure after the retry budget
func TestRetryExhaustion(t *testing.T) {
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		return nil, errors.New("always broken")
	}}
	a := newTestAgent(t, testDefinition(), runner, nil)
	_ = a.Initialize(context.Background())

	_, err := a.Execute(context.Background(), map[string]interface{}{"value": "x"}, nil)
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if a.State() != StateError {
		t.Errorf("expected error state after final failure, got %s", a.State())
	}

	records := a.ExecutionHistory()
	if len(records) != 1 || records[0].Status != StatusError || records[0].Attempt != 3 {
		t.Errorf("expected one failed record at attempt 3, got %+v", records)
	}
}

// TestExecuteTimeout tests the per-attempt timeout race
func TestExecuteTimeout(t *testing.T) {
	def := testDefinition()
	def.TimeoutMs = 20
	def.RetryPolicy = RetryPolicy{MaxRetries: 0, BaseBackoffMs: 1}
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	a := newTestAgent(t, def, runner, nil)
	_ = a.Initialize(context.Background())

	start := time.Now()
	_, err := a.Execute(context.Background(), map[string]interface{}{"value": "x"}, nil)
	if !errors.Is(err, core.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout should fire near 20ms, took %s", elapsed)
	}
}

// TestOutputValidationFails tests that a non-conforming output fails the
// execution without retry.
func TestOutputValidationFails(t *testing.T) {
	calls := 0
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"unexpected": true}, nil
	}}
	a := newTestAgent(t, testDefinition(), runner, nil)
	_ = a.Initialize(context.Background())

	_, err := a.Execute(context.Background(), map[string]interface{}{"value": "x"}, nil)
	if !core.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("output contract violations must not be retried, ran %d times", calls)
	}
}

// TestInitializeFailureClosesPartialClients tests that a failed connect
// closes everything opened so far and moves to error.
func TestInitializeFailureClosesPartialClients(t *testing.T) {
	factory := &fakeFactory{clients: map[string]*fakeClient{
		"first":  {name: "first"},
		"second": {name: "second", connectErr: errors.New("refused")},
	}}
	def := testDefinition()
	def.MCPServers = []toolclient.ServerConfig{
		{Name: "first", Transport: toolclient.TransportHTTP, BaseURL: "http://localhost:1"},
		{Name: "second", Transport: toolclient.TransportHTTP, BaseURL: "http://localhost:2"},
	}
	a := newTestAgent(t, def, &stubRunner{}, factory.new)

	if err := a.Initialize(context.Background()); err == nil {
		t.Fatal("expected initialize failure")
	}
	if a.State() != StateError {
		t.Errorf("expected error state, got %s", a.State())
	}
	if !factory.clients["first"].disconnected {
		t.Error("the already-opened client must be closed")
	}
	if !factory.clients["second"].disconnected {
		t.Error("the failing client must be closed too")
	}
}

// TestCleanupAttemptsAllClosures tests that one failing close does not
// stop the others, and that cleanup is idempotent.
func TestCleanupAttemptsAllClosures(t *testing.T) {
	factory := &fakeFactory{clients: map[string]*fakeClient{
		"bad":  {name: "bad", closeErr: errors.New("close failed")},
		"good": {name: "good"},
	}}
	def := testDefinition()
	def.MCPServers = []toolclient.ServerConfig{
		{Name: "bad", Transport: toolclient.TransportHTTP, BaseURL: "http://localhost:1"},
		{Name: "good", Transport: toolclient.TransportHTTP, BaseURL: "http://localhost:2"},
	}
	a := newTestAgent(t, def, &stubRunner{}, factory.new)
	_ = a.Initialize(context.Background())

	err := a.Cleanup(context.Background())
	if err == nil {
		t.Fatal("expected the close failure to surface")
	}
	if !factory.clients["good"].disconnected {
		t.Error("all closures must be attempted despite failures")
	}
	if a.State() != StateStopped {
		t.Errorf("expected stopped despite failures, got %s", a.State())
	}

	if err := a.Cleanup(context.Background()); err != nil {
		t.Errorf("second cleanup should be a no-op, got %v", err)
	}
}

// TestGetStatus tests the status snapshot aggregates
func TestGetStatus(t *testing.T) {
	calls := 0
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		calls++
		if calls == 2 {
			return nil, &core.ValidationError{Subject: "fake"}
		}
		return map[string]interface{}{"echo": "ok"}, nil
	}}
	a := newTestAgent(t, testDefinition(), runner, nil)
	_ = a.Initialize(context.Background())

	_, _ = a.Execute(context.Background(), map[string]interface{}{"value": "a"}, nil)
	_, _ = a.Execute(context.Background(), map[string]interface{}{"value": "b"}, nil)

	status := a.GetStatus()
	if status.ExecutionCount != 2 {
		t.Fatalf("expected 2 executions, got %d", status.ExecutionCount)
	}
	if status.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", status.SuccessRate)
	}
}

// TestHistoryCap tests that the most recent record is always retained
func TestHistoryCap(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.append(ExecutionRecord{ExecutionID: fmt.Sprintf("e%d", i)})
	}
	records := h.snapshot()
	if len(records) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(records))
	}
	if records[2].ExecutionID != "e4" {
		t.Errorf("most recent record must be retained, got %s", records[2].ExecutionID)
	}
}

// TestHandlePhaseMessage tests the bus.Recipient adapter
func TestHandlePhaseMessage(t *testing.T) {
	def := testDefinition()
	def.Capabilities = []string{"planning"}
	var gotExecCtx map[string]interface{}
	runner := &stubRunner{execute: func(ctx context.Context, input, execCtx map[string]interface{}, id string) (map[string]interface{}, error) {
		gotExecCtx = execCtx
		return map[string]interface{}{"echo": "done"}, nil
	}}
	a := newTestAgent(t, def, runner, nil)
	_ = a.Initialize(context.Background())

	if !a.HasCapability("planning") || a.HasCapability("deploys") {
		t.Error("capability matching broken")
	}

	err := a.HandlePhaseMessage(context.Background(), bus.PhaseMessage{
		MessageID:    "m1",
		CurrentPhase: 0,
		MessageType:  bus.TypeExecution,
		Payload:      map[string]interface{}{"value": "from-bus"},
	})
	if err != nil {
		t.Fatalf("phase message handling failed: %v", err)
	}
	if gotExecCtx["messageId"] != "m1" {
		t.Errorf("execution context should carry the message id: %v", gotExecCtx)
	}
}
