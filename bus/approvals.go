package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/agentcore/core"
	"github.com/agenticcoder/agentcore/phases"
	"github.com/agenticcoder/agentcore/telemetry"
)

// Approval request statuses
const (
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusRevise           = "revise"
)

// Decision is a human verdict on an approval request
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRevise  Decision = "revise"
)

// ApprovalRequest tracks one pending human decision on a phase gate
type ApprovalRequest struct {
	ApprovalID string                 `json:"approvalId"`
	Phase      int                    `json:"phase"`
	Artifacts  map[string]interface{} `json:"artifacts,omitempty"`
	Status     string                 `json:"status"`
	Feedback   string                 `json:"feedback,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	DecidedAt  time.Time              `json:"decidedAt,omitempty"`
}

// RequestApproval opens an approval request for a phase gate. Only phases
// flagged approval-required accept requests. The request stays
// awaiting_approval until a decision is submitted; undecided requests
// remain open indefinitely.
func (b *EnhancedBus) RequestApproval(phase int, artifacts map[string]interface{}) (*ApprovalRequest, error) {
	if _, ok := phases.Get(phase); !ok {
		return nil, fmt.Errorf("%w: phase %d does not exist", core.ErrInvalidState, phase)
	}
	if !phases.ApprovalRequired(phase) {
		return nil, fmt.Errorf("%w: phase %d has no approval gate", core.ErrInvalidState, phase)
	}

	request := &ApprovalRequest{
		ApprovalID: uuid.New().String(),
		Phase:      phase,
		Artifacts:  artifacts,
		Status:     StatusAwaitingApproval,
		CreatedAt:  time.Now(),
	}

	b.approvalsMu.Lock()
	b.approvals[request.ApprovalID] = request
	snapshot := b.copyApproval(request)
	b.approvalsMu.Unlock()

	b.updateMetrics(func(m *Metrics) { m.ApprovalGatesTriggered++ })
	b.events.Emit(telemetry.EventApprovalRequested, telemetry.ApprovalEvent{
		ApprovalID: request.ApprovalID,
		Phase:      phase,
	})
	b.logger.Info("Approval requested", map[string]interface{}{
		"approval_id": request.ApprovalID,
		"phase":       phase,
	})
	return snapshot, nil
}

// SubmitApprovalDecision resolves an approval request. An approve records
// a grant that lets the next transition out of the phase proceed; reject
// and revise leave the gate closed.
func (b *EnhancedBus) SubmitApprovalDecision(approvalID string, decision Decision, feedback string) (*ApprovalRequest, error) {
	status, ok := map[Decision]string{
		DecisionApprove: StatusApproved,
		DecisionReject:  StatusRejected,
		DecisionRevise:  StatusRevise,
	}[decision]
	if !ok {
		return nil, fmt.Errorf("%w: unknown decision %q", core.ErrInvalidState, decision)
	}

	b.approvalsMu.Lock()
	request, found := b.approvals[approvalID]
	if !found {
		b.approvalsMu.Unlock()
		return nil, fmt.Errorf("%w: approval %q", core.ErrMessageNotFound, approvalID)
	}
	if request.Status != StatusAwaitingApproval {
		b.approvalsMu.Unlock()
		return nil, fmt.Errorf("%w: approval %q already %s", core.ErrInvalidState, approvalID, request.Status)
	}
	request.Status = status
	request.Feedback = feedback
	request.DecidedAt = time.Now()
	if decision == DecisionApprove {
		b.granted[request.Phase] = true
	}
	snapshot := b.copyApproval(request)
	b.approvalsMu.Unlock()

	b.events.Emit(telemetry.EventApprovalDecided, telemetry.ApprovalEvent{
		ApprovalID: approvalID,
		Phase:      snapshot.Phase,
		Decision:   string(decision),
		Feedback:   feedback,
	})
	b.logger.Info("Approval decided", map[string]interface{}{
		"approval_id": approvalID,
		"phase":       snapshot.Phase,
		"decision":    string(decision),
	})
	return snapshot, nil
}

// GetApproval returns a snapshot of one approval request
func (b *EnhancedBus) GetApproval(approvalID string) (*ApprovalRequest, bool) {
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	request, ok := b.approvals[approvalID]
	if !ok {
		return nil, false
	}
	return b.copyApproval(request), true
}

// PendingApprovals lists requests still awaiting a decision
func (b *EnhancedBus) PendingApprovals() []*ApprovalRequest {
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	var out []*ApprovalRequest
	for _, request := range b.approvals {
		if request.Status == StatusAwaitingApproval {
			out = append(out, b.copyApproval(request))
		}
	}
	return out
}

// consumeGrant reports whether an approve was recorded for a phase and
// spends it, so one approval releases exactly one transition.
func (b *EnhancedBus) consumeGrant(phase int) bool {
	b.approvalsMu.Lock()
	defer b.approvalsMu.Unlock()
	if !b.granted[phase] {
		return false
	}
	delete(b.granted, phase)
	return true
}

// copyApproval snapshots a request so callers never alias internal state.
// Caller holds approvalsMu.
func (b *EnhancedBus) copyApproval(request *ApprovalRequest) *ApprovalRequest {
	clone := *request
	if request.Artifacts != nil {
		clone.Artifacts = make(map[string]interface{}, len(request.Artifacts))
		for k, v := range request.Artifacts {
			clone.Artifacts[k] = v
		}
	}
	return &clone
}
