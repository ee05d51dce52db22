package bus

import (
	"github.com/agenticcoder/agentcore/phases"
)

// Priority is one of the four strictly ordered delivery tiers. Lower
// numeric value means higher priority.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	// priorityCount is the number of tiers
	priorityCount = 4
)

// String returns the tier name
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// MessageType classifies a phase message
type MessageType string

const (
	TypeExecution      MessageType = "execution"
	TypeValidationGate MessageType = "validation_gate"
	TypeEscalation     MessageType = "escalation"
	TypeNotification   MessageType = "notification"
)

// validMessageTypes is the closed set accepted at publish time
var validMessageTypes = map[MessageType]bool{
	TypeExecution:      true,
	TypeValidationGate: true,
	TypeEscalation:     true,
	TypeNotification:   true,
}

// Classify assigns the priority tier for a (phase, messageType) pair.
// Escalations and critical-phase messages always classify CRITICAL; the
// phase alone is never the sole determinant.
func Classify(phase int, messageType MessageType) Priority {
	if messageType == TypeEscalation {
		return PriorityCritical
	}
	if phases.IsCritical(phase) {
		return PriorityCritical
	}
	switch phase {
	case phases.PhaseProjectDiscovery, phases.PhaseInfraRequirements,
		phases.PhaseArchitecture, phases.PhaseImplementationPlan:
		// Early user-driven phases
		return PriorityHigh
	case phases.PhaseTracking, phases.PhaseDocumentation:
		// Reporting and documentation
		return PriorityLow
	default:
		return PriorityNormal
	}
}
