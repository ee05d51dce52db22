// Package agent provides the agent runtime: definitions with compiled
// input/output schemas, the base lifecycle (initialize, execute with
// timeout and retry, cleanup), execution history, and the registry that
// owns every agent instance.
package agent

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agenticcoder/agentcore/toolclient"
)

// Agent types
const (
	TypeTask           = "task"
	TypeInfrastructure = "infrastructure"
	TypeValidation     = "validation"
	TypeOrchestration  = "orchestration"
)

// RetryPolicy bounds execution retries. MaxRetries counts additional
// attempts after the first; backoff doubles per retry from BaseBackoffMs.
type RetryPolicy struct {
	MaxRetries    int `yaml:"maxRetries" json:"maxRetries"`
	BaseBackoffMs int `yaml:"baseBackoffMs" json:"baseBackoffMs"`
}

// Definition is the static description of an agent type
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Type    string `yaml:"type" json:"type"`

	// Inputs and Outputs are JSON schema documents compiled once at
	// agent construction
	Inputs  map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs map[string]interface{} `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// MCPServers lists the external tool servers the agent connects to
	// during initialization, in order
	MCPServers []toolclient.ServerConfig `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`

	// TimeoutMs bounds one execution attempt
	TimeoutMs int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	RetryPolicy RetryPolicy `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`

	// Dependencies are agent ids that must be registered first
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Capabilities are routing tags matched against a message's
	// requiredCapability
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// Timeout returns the per-attempt execution timeout
func (d Definition) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Validate checks the structural requirements of a definition
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition requires an id")
	}
	if d.Type == "" {
		return fmt.Errorf("agent definition %q requires a type", d.ID)
	}
	switch d.Type {
	case TypeTask, TypeInfrastructure, TypeValidation, TypeOrchestration:
	default:
		return fmt.Errorf("agent definition %q has unknown type %q", d.ID, d.Type)
	}
	if d.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("agent definition %q has negative maxRetries", d.ID)
	}
	return nil
}

// ParseDefinition decodes a YAML agent definition
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing agent definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}
