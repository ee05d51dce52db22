// Package bus provides in-process messaging: a base pub/sub bus with
// direct send, request/response correlation, and bounded history, plus an
// enhanced bus layering priority queues, phase-aware routing, retry with
// backoff, a dead-letter queue, phase transitions, and approval gates on
// top of it.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/core"
)

// Message types accepted by the standard envelope
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Message is the standard envelope every published message must satisfy.
// Payload is opaque to the bus; Metadata is extensible.
type Message struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	From          string                 `json:"from,omitempty"`
	To            string                 `json:"to,omitempty"`
	Type          string                 `json:"type"`
	Topic         string                 `json:"topic,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Payload       interface{}            `json:"payload,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// envelopeSchema is the structural contract checked at publish time.
// The validator closes the property set, so unknown envelope keys are
// rejected; metadata stays open for extension.
var envelopeSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"id", "timestamp", "type"},
	"properties": map[string]interface{}{
		"id":            map[string]interface{}{"type": "string", "minLength": 1},
		"timestamp":     map[string]interface{}{"type": "string"},
		"from":          map[string]interface{}{"type": "string"},
		"to":            map[string]interface{}{"type": "string"},
		"type":          map[string]interface{}{"enum": []interface{}{TypeRequest, TypeResponse, TypeEvent, TypeError}},
		"topic":         map[string]interface{}{"type": "string"},
		"correlationId": map[string]interface{}{"type": "string"},
		"payload":       map[string]interface{}{},
		"metadata":      map[string]interface{}{"type": "object"},
	},
}

// newEnvelopeValidator compiles the envelope schema
func newEnvelopeValidator() (*core.SchemaValidator, error) {
	return core.NewSchemaValidator("message", envelopeSchema)
}

// NewMessage builds an event message on a topic with a fresh id
func NewMessage(topic string, payload interface{}) Message {
	return Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      TypeEvent,
		Topic:     topic,
		Payload:   payload,
	}
}

// normalize fills in the generated fields a caller may omit
func (m *Message) normalize() {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.Type == "" {
		m.Type = TypeEvent
	}
}

// responseTopic is the transient topic a request's reply arrives on
func responseTopic(correlationID string) string {
	return "response." + correlationID
}
