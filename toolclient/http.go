package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/resilience"
	"github.com/agenticcoder/agentcore/telemetry"
)

// allowed verb prefixes for Call methods of the form "<VERB> <path>"
var httpVerbs = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// HTTPClient speaks JSON to an HTTP tool server. Calls retry on any error
// with exponential backoff; each attempt has its own timeout. A circuit
// breaker protects the endpoint once failures persist.
type HTTPClient struct {
	cfg     ServerConfig
	client  *http.Client
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  core.Logger
	closed  atomic.Bool
}

// NewHTTPClient creates an HTTP tool client. Connect is a no-op for this
// transport; the client is usable immediately.
func NewHTTPClient(cfg ServerConfig, logger core.Logger) *HTTPClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		retry: &resilience.RetryConfig{
			MaxRetries:    retryAttempts - 1,
			InitialDelay:  retryDelay,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
		},
		breaker: resilience.NewCircuitBreaker(nil),
		logger:  logger,
	}
}

// Connect validates the configuration. No connection is held open.
func (c *HTTPClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return core.ErrClientClosed
	}
	if _, err := url.Parse(c.cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: invalid base url %q: %v", core.ErrTransport, c.cfg.BaseURL, err)
	}
	return nil
}

// Call issues a request. method is either a bare path (POST) or a
// verb-prefixed string "<VERB> <path>". GET encodes params as the query
// string; other verbs send params as the JSON body.
func (c *HTTPClient) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if c.closed.Load() {
		return nil, core.ErrClientClosed
	}

	verb, path := splitMethod(method)
	start := time.Now()

	var result interface{}
	err := resilience.Retry(ctx, c.retry, nil, func(attempt int) error {
		if !c.breaker.CanExecute() {
			return core.ErrCircuitOpen
		}
		value, err := c.attempt(ctx, verb, path, params)
		if err != nil {
			c.breaker.RecordFailure()
			c.logger.Warn("Tool call attempt failed", map[string]interface{}{
				"server":  c.cfg.Name,
				"method":  method,
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		c.breaker.RecordSuccess()
		result = value
		return nil
	})

	telemetry.Duration("agentcore.toolclient.call_ms", start,
		"server", c.cfg.Name, "transport", TransportHTTP)
	if err != nil {
		telemetry.RecordError("agentcore.toolclient.errors", "http", "server", c.cfg.Name)
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) attempt(ctx context.Context, verb, path string, params map[string]interface{}) (interface{}, error) {
	target := c.cfg.BaseURL + path

	var body io.Reader
	if verb == http.MethodGet {
		if len(params) > 0 {
			query := url.Values{}
			for key, value := range params {
				query.Set(key, fmt.Sprintf("%v", value))
			}
			separator := "?"
			if strings.Contains(target, "?") {
				separator = "&"
			}
			target = target + separator + query.Encode()
		}
	} else {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, verb, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", core.ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", core.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(payload)}
	}

	if len(payload) == 0 {
		return nil, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Non-JSON success bodies are returned verbatim
		return string(payload), nil
	}
	return decoded, nil
}

// HealthCheck issues GET <baseUrl>/health and reports 2xx as healthy
func (c *HTTPClient) HealthCheck(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Disconnect marks the client closed. Idempotent.
func (c *HTTPClient) Disconnect() error {
	c.closed.Store(true)
	c.client.CloseIdleConnections()
	return nil
}

// splitMethod separates an optional verb prefix from the path.
// "GET /api/x" -> (GET, /api/x); "/api/x" -> (POST, /api/x).
func splitMethod(method string) (string, string) {
	if verb, path, found := strings.Cut(method, " "); found {
		upper := strings.ToUpper(verb)
		if httpVerbs[upper] {
			return upper, strings.TrimSpace(path)
		}
	}
	return http.MethodPost, method
}
