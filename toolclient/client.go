// Package toolclient provides transport-abstract request/response clients
// for external tool servers. Two transports are supported: HTTP (JSON over
// method+path) and stdio (JSON-RPC 2.0 over a spawned child process).
package toolclient

import (
	"context"
	"fmt"
	"time"

	"github.com/agenticcoder/agentcore/core"
)

// Client is the transport-abstract tool-server client. Implementations
// must tolerate repeated Disconnect calls; Call after Disconnect fails
// with core.ErrClientClosed.
type Client interface {
	// Connect establishes the transport (HTTP: no-op beyond validation;
	// stdio: spawns the child process and performs the MCP handshake).
	Connect(ctx context.Context) error

	// Call issues a request and returns the decoded result.
	Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)

	// HealthCheck reports whether the server currently looks reachable.
	HealthCheck(ctx context.Context) bool

	// Disconnect releases the transport. Idempotent.
	Disconnect() error
}

// Transport names for ServerConfig
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Framing modes for the stdio transport
const (
	FramingContentLength = "content-length"
	FramingNDJSON        = "ndjson"
)

// ServerConfig describes one external tool server
type ServerConfig struct {
	Name      string `yaml:"name" json:"name"`
	Transport string `yaml:"transport" json:"transport"`

	// HTTP transport
	BaseURL       string        `yaml:"base_url,omitempty" json:"baseUrl,omitempty"`
	RetryAttempts int           `yaml:"retry_attempts,omitempty" json:"retryAttempts,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty" json:"retryDelay,omitempty"`

	// Stdio transport
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Shell   bool              `yaml:"shell,omitempty" json:"shell,omitempty"`
	Framing string            `yaml:"framing,omitempty" json:"framing,omitempty"`

	// Timeout applies per request (per attempt for HTTP)
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Factory constructs a client for a server config. The agent runtime uses
// a Factory so tests can substitute fakes.
type Factory func(cfg ServerConfig, logger core.Logger) (Client, error)

// New is the default factory: it selects the transport from the config.
func New(cfg ServerConfig, logger core.Logger) (Client, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	switch cfg.Transport {
	case TransportHTTP, "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("tool server %q: base_url is required for the http transport", cfg.Name)
		}
		return NewHTTPClient(cfg, logger), nil
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("tool server %q: command is required for the stdio transport", cfg.Name)
		}
		return NewStdioClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("tool server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// HTTPError reports a non-2xx response from an HTTP tool server
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Unwrap classifies HTTP errors as transport failures
func (e *HTTPError) Unwrap() error {
	return core.ErrTransport
}
