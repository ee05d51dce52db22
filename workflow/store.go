package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agenticcoder/agentcore/core"
)

// ExecutionStore persists workflow execution records
type ExecutionStore interface {
	Save(ctx context.Context, execution *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
	List(ctx context.Context, workflowID string) ([]*Execution, error)
}

// InMemoryStore keeps executions in process memory. It is the default
// store and the one tests use.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	byWorkflow map[string][]string
}

// NewInMemoryStore creates an empty in-memory execution store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*Execution),
		byWorkflow: make(map[string][]string),
	}
}

// Save stores a copy of the execution
func (s *InMemoryStore) Save(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ExecutionID == "" {
		return fmt.Errorf("%w: execution requires an id", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ExecutionID]; !exists {
		s.byWorkflow[execution.WorkflowID] = append(s.byWorkflow[execution.WorkflowID], execution.ExecutionID)
	}
	s.executions[execution.ExecutionID] = execution.clone()
	return nil
}

// Get returns a copy of the stored execution
func (s *InMemoryStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrExecutionNotFound, executionID)
	}
	return execution.clone(), nil
}

// List returns executions for one workflow, or all when workflowID is
// empty, in insertion order.
func (s *InMemoryStore) List(ctx context.Context, workflowID string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if workflowID == "" {
		for _, workflowIDs := range s.byWorkflow {
			ids = append(ids, workflowIDs...)
		}
	} else {
		ids = s.byWorkflow[workflowID]
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		if execution, ok := s.executions[id]; ok {
			out = append(out, execution.clone())
		}
	}
	return out, nil
}

const (
	executionKeyPrefix = "agentcore:workflow:execution:"
	workflowIndexKey   = "agentcore:workflow:index:"

	// executionTTL bounds how long finished executions stay queryable
	executionTTL = 24 * time.Hour
)

// RedisStore persists executions in Redis with a bounded TTL. Records
// are JSON under agentcore:workflow:execution:<id> with a per-workflow
// index set.
type RedisStore struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(redisURL string, logger core.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", core.ErrTransport, err)
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, logger: logger}, nil
}

// Save writes the execution and refreshes the workflow index
func (s *RedisStore) Save(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ExecutionID == "" {
		return fmt.Errorf("%w: execution requires an id", core.ErrInvalidInput)
	}
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ExecutionID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, executionKeyPrefix+execution.ExecutionID, data, executionTTL)
	pipe.SAdd(ctx, workflowIndexKey+execution.WorkflowID, execution.ExecutionID)
	pipe.Expire(ctx, workflowIndexKey+execution.WorkflowID, executionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: storing execution: %v", core.ErrTransport, err)
	}
	return nil
}

// Get loads one execution by id
func (s *RedisStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	data, err := s.client.Get(ctx, executionKeyPrefix+executionID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %q", core.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading execution: %v", core.ErrTransport, err)
	}
	var execution Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("unmarshaling execution %s: %w", executionID, err)
	}
	return &execution, nil
}

// List returns the executions indexed for one workflow. Index entries
// whose records have expired are skipped.
func (s *RedisStore) List(ctx context.Context, workflowID string) ([]*Execution, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: redis store requires a workflow id to list", core.ErrInvalidInput)
	}
	ids, err := s.client.SMembers(ctx, workflowIndexKey+workflowID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing executions: %v", core.ErrTransport, err)
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, execution)
	}
	return out, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
