package agent

import (
	"sync"
	"time"
)

// Execution statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecutionRecord is one completed Execute call. A retried execution
// produces a single record whose Attempt field is the final attempt
// number.
type ExecutionRecord struct {
	ExecutionID string                 `json:"executionId"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     time.Time              `json:"endTime"`
	Duration    time.Duration          `json:"duration"`
	Attempt     int                    `json:"attempt"`
	Status      string                 `json:"status"`
}

// defaultHistoryCap bounds retained records per agent
const defaultHistoryCap = 50

// history is the bounded per-agent execution log. The most recent record
// is always retained.
type history struct {
	mu      sync.Mutex
	cap     int
	records []ExecutionRecord
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &history{cap: capacity}
}

func (h *history) append(record ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	if len(h.records) > h.cap {
		h.records = h.records[len(h.records)-h.cap:]
	}
}

// snapshot returns the retained records oldest first
func (h *history) snapshot() []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ExecutionRecord(nil), h.records...)
}

// stats aggregates the retained records
func (h *history) stats() (count int, successRate float64, avgDuration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	count = len(h.records)
	if count == 0 {
		return 0, 0, 0
	}
	successes := 0
	var total time.Duration
	for _, record := range h.records {
		if record.Status == StatusSuccess {
			successes++
		}
		total += record.Duration
	}
	return count, float64(successes) / float64(count), total / time.Duration(count)
}
