package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/telemetry"
)

const (
	// DefaultStdioTimeout applies per request unless overridden by config
	// or the AGENTICCODER_MCP_STDIO_TIMEOUT_MS environment variable.
	DefaultStdioTimeout = 15 * time.Second

	// stdioTimeoutEnv overrides the default per-request timeout
	stdioTimeoutEnv = "AGENTICCODER_MCP_STDIO_TIMEOUT_MS"

	// protocolVersion sent in the initialize handshake
	protocolVersion = "2025-06-18"

	// clientVersion identifies this client in the initialize handshake
	clientVersion = "1.0.0"

	// killGracePeriod is how long Disconnect waits before force-killing
	killGracePeriod = time.Second
)

// JSON-RPC error codes used when deflecting server-to-client requests
const (
	codeMethodNotFound = -32601
	codeNotSupported   = -32000
)

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcIncoming is the decoded form of any message read from the server
type rpcIncoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcOutgoing is the wire form of requests, notifications, and the error
// responses used to deflect server-to-client requests.
type rpcOutgoing struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// pendingCall tracks one in-flight request
type pendingCall struct {
	done chan rpcIncoming
}

// StdioClient speaks JSON-RPC 2.0 to a spawned child process over stdio.
// Framing defaults to Content-Length headers; newline-delimited JSON is
// selected by config. The client owns the process: Disconnect closes
// stdin, terminates the process (force-kill after one second), destroys
// the pipes, and rejects every pending request.
type StdioClient struct {
	cfg     ServerConfig
	logger  core.Logger
	timeout time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[string]*pendingCall
	connected bool
	closed    bool
	exited    chan struct{}

	nextID int64

	// Handshake state: servers without initialize are tolerated
	initAttempted bool
	initialized   bool

	stderrTail *RingBuffer
	stdoutTail *RingBuffer
}

// NewStdioClient creates a stdio tool client. The process is spawned by
// Connect, not here.
func NewStdioClient(cfg ServerConfig, logger core.Logger) *StdioClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultStdioTimeout
	}
	if raw := os.Getenv(stdioTimeoutEnv); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	return &StdioClient{
		cfg:        cfg,
		logger:     logger,
		timeout:    timeout,
		pending:    make(map[string]*pendingCall),
		exited:     make(chan struct{}),
		stderrTail: NewRingBuffer(DefaultDiagnosticBytes / 2),
		stdoutTail: NewRingBuffer(DefaultDiagnosticBytes / 2),
	}
}

// Connect spawns the child process, starts the stream readers, and
// performs the initialize handshake. Servers that fail or ignore
// initialize are tolerated: the handshake attempt is recorded and the
// client proceeds.
func (c *StdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	cmd := c.buildCommand()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: opening stdin: %v", core.ErrTransport, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: opening stdout: %v", core.ErrTransport, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: opening stderr: %v", core.ErrTransport, err)
	}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: spawning %q: %v", core.ErrTransport, c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.connected = true
	c.exited = make(chan struct{})
	exited := c.exited
	c.mu.Unlock()

	c.logger.Info("Spawned stdio tool server", map[string]interface{}{
		"server":  c.cfg.Name,
		"command": c.cfg.Command,
		"pid":     cmd.Process.Pid,
	})

	go c.readStdout(stdout)
	go func() {
		_, _ = io.Copy(c.stderrTail, stderr)
	}()
	go c.waitExit(cmd, exited)

	c.handshake(ctx)
	return nil
}

// buildCommand assembles the exec.Cmd from the server config
func (c *StdioClient) buildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	if c.cfg.Shell {
		line := c.cfg.Command
		if len(c.cfg.Args) > 0 {
			line = line + " " + strings.Join(c.cfg.Args, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", line)
	} else {
		cmd = exec.Command(c.cfg.Command, c.cfg.Args...)
	}
	if c.cfg.Cwd != "" {
		cmd.Dir = c.cfg.Cwd
	}
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for key, value := range c.cfg.Env {
			env = append(env, key+"="+value)
		}
		cmd.Env = env
	}
	return cmd
}

// handshake sends initialize and, on success, notifications/initialized.
// Both failures are tolerated: servers that ignore or reject initialize
// are still usable. The wait is bounded separately from the per-request
// timeout so Connect stays responsive against silent servers.
func (c *StdioClient) handshake(ctx context.Context) {
	c.mu.Lock()
	c.initAttempted = true
	c.mu.Unlock()

	wait := 2 * time.Second
	if c.timeout < wait {
		wait = c.timeout
	}
	hctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	_, err := c.request(hctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    "agentcore",
			"version": clientVersion,
		},
	})
	if err != nil {
		c.logger.Debug("Server did not complete initialize; proceeding", map[string]interface{}{
			"server": c.cfg.Name,
			"error":  err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.notify("notifications/initialized", map[string]interface{}{})
}

// Call issues a JSON-RPC request. The convenience aliases tools/list and
// tools/call are recognized; tools/call packs {name, arguments} from
// params.name and params.arguments (or params.args).
func (c *StdioClient) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrClientClosed
	}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	wireMethod, wireParams := mapMethod(method, params)

	start := time.Now()
	result, err := c.request(ctx, wireMethod, wireParams)
	telemetry.Duration("agentcore.toolclient.call_ms", start,
		"server", c.cfg.Name, "transport", TransportStdio)
	if err != nil {
		telemetry.RecordError("agentcore.toolclient.errors", "stdio", "server", c.cfg.Name)
		return nil, err
	}
	return result, nil
}

// mapMethod applies the tools/* aliases
func mapMethod(method string, params map[string]interface{}) (string, interface{}) {
	switch method {
	case "tools/list":
		return "tools/list", map[string]interface{}{}
	case "tools/call":
		arguments := params["arguments"]
		if arguments == nil {
			arguments = params["args"]
		}
		if arguments == nil {
			arguments = map[string]interface{}{}
		}
		return "tools/call", map[string]interface{}{
			"name":      params["name"],
			"arguments": arguments,
		}
	default:
		if params == nil {
			return method, map[string]interface{}{}
		}
		return method, params
	}
}

// request sends one framed request and waits for its response, the
// per-request timeout, context cancellation, or process exit.
func (c *StdioClient) request(ctx context.Context, method string, params interface{}) (interface{}, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	key := strconv.FormatInt(id, 10)
	call := &pendingCall{done: make(chan rpcIncoming, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrClientClosed
	}
	c.pending[key] = call
	exited := c.exited
	c.mu.Unlock()

	if err := c.write(rpcOutgoing{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.removePending(key)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg := <-call.done:
		if msg.Error != nil {
			return nil, fmt.Errorf("%w: %s %s", core.ErrTransport, method, msg.Error.Error())
		}
		var result interface{}
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				return nil, fmt.Errorf("%w: decoding result: %v", core.ErrTransport, err)
			}
		}
		return result, nil
	case <-timer.C:
		c.removePending(key)
		return nil, c.timeoutError(method)
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	case <-exited:
		c.removePending(key)
		return nil, fmt.Errorf("%w: tool server %q exited", core.ErrTransport, c.cfg.Name)
	}
}

func (c *StdioClient) removePending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// timeoutError builds a diagnostic error including bounded tails of
// stderr and any non-framed stdout, which is where startup failures of
// misconfigured servers usually surface.
func (c *StdioClient) timeoutError(method string) error {
	var diag strings.Builder
	if tail := c.stderrTail.String(); tail != "" {
		diag.WriteString("; recent stderr: ")
		diag.WriteString(tail)
	}
	if tail := c.stdoutTail.String(); tail != "" {
		diag.WriteString("; unframed stdout: ")
		diag.WriteString(tail)
	}
	return fmt.Errorf("%w: %q timed out after %s on tool server %q%s",
		core.ErrTimeout, method, c.timeout, c.cfg.Name, diag.String())
}

// notify sends a JSON-RPC notification (no id, no response expected)
func (c *StdioClient) notify(method string, params interface{}) {
	_ = c.write(rpcOutgoing{JSONRPC: "2.0", Method: method, Params: params})
}

// write frames and writes one message to the child's stdin
func (c *StdioClient) write(msg rpcOutgoing) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	frame := EncodeFrame(c.cfg.Framing, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return core.ErrClientClosed
	}
	if _, err := c.stdin.Write(frame); err != nil {
		return fmt.Errorf("%w: writing to tool server: %v", core.ErrTransport, err)
	}
	return nil
}

// readStdout pumps the child's stdout through the frame parser and
// dispatches every decoded message.
func (c *StdioClient) readStdout(stdout io.Reader) {
	parser := NewFrameParser(func(junk []byte) {
		_, _ = c.stdoutTail.Write(junk)
		_, _ = c.stdoutTail.Write([]byte("\n"))
	})

	buf := make([]byte, 8192)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range parser.Feed(buf[:n]) {
				c.dispatch(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one decoded message: responses complete pending calls;
// server-to-client requests are deflected with a JSON-RPC error so the
// read loop never blocks on the caller; notifications are dropped.
func (c *StdioClient) dispatch(frame json.RawMessage) {
	var msg rpcIncoming
	if err := json.Unmarshal(frame, &msg); err != nil {
		// Malformed frames are silently dropped
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	if msg.Method != "" && hasID {
		c.deflect(msg)
		return
	}
	if msg.Method != "" {
		// Server notification; nothing to correlate
		return
	}
	if !hasID {
		return
	}

	key := strings.Trim(string(msg.ID), `"`)
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		call.done <- msg
	}
}

// deflect answers a server-to-client request with an error response.
// Responding asynchronously keeps the read loop free; blocking here
// could deadlock the transport.
func (c *StdioClient) deflect(msg rpcIncoming) {
	var id interface{}
	_ = json.Unmarshal(msg.ID, &id)

	rpcErr := &rpcError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	if strings.HasPrefix(msg.Method, "elicitation/") {
		rpcErr = &rpcError{Code: codeNotSupported, Message: "elicitation not supported"}
	}

	go func() {
		_ = c.write(rpcOutgoing{JSONRPC: "2.0", ID: id, Error: rpcErr})
	}()
}

// waitExit reaps the child and rejects all pending requests once it dies
func (c *StdioClient) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	if c.cmd == cmd {
		c.connected = false
	}
	close(exited)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- rpcIncoming{Error: &rpcError{Code: codeNotSupported, Message: "tool server exited"}}
	}

	fields := map[string]interface{}{"server": c.cfg.Name}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Debug("Stdio tool server exited", fields)
}

// HealthCheck reports whether the child process is running
func (c *StdioClient) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// Disconnect shuts the transport down: close stdin, signal the process,
// force-kill after the grace period, and reject pending requests.
// Idempotent.
func (c *StdioClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	exited := c.exited
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- rpcIncoming{Error: &rpcError{Code: codeNotSupported, Message: "tool server exited"}}
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		// Polite signal first, then force-kill after the grace period
		_ = cmd.Process.Signal(os.Interrupt)
		timer := time.NewTimer(killGracePeriod)
		select {
		case <-exited:
			timer.Stop()
		case <-timer.C:
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	c.logger.Info("Disconnected stdio tool server", map[string]interface{}{
		"server": c.cfg.Name,
	})
	return nil
}
