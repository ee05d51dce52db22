package phases

// Reason names the cause of a phase transition request
type Reason string

const (
	ReasonSuccess    Reason = "success"
	ReasonFailure    Reason = "failure"
	ReasonEscalation Reason = "escalation"

	// Approval outcomes
	ReasonApproved Reason = "approved"
	ReasonRejected Reason = "rejected"
	ReasonRevise   Reason = "revise"

	// Phase-specific reasons
	ReasonValidationPasses  Reason = "validation_passes"
	ReasonSyntaxErrors      Reason = "syntax_errors"
	ReasonDeploymentSuccess Reason = "deployment_succeeds"
	ReasonDeploymentFailure Reason = "deployment_fails"
)

// Escalated is the sentinel target for transitions that leave the normal
// lifecycle and require human intervention.
const Escalated = -1

// transitionTable maps (phase, reason) to the set of phases entered next.
// Most transitions are linear; phase 8 fans out to 9 and 10, which both
// feed 11. Failure reasons loop back into the same phase for rework.
var transitionTable = map[int]map[Reason][]int{
	PhaseProjectDiscovery: {
		ReasonSuccess:    {PhaseInfraRequirements},
		ReasonApproved:   {PhaseInfraRequirements},
		ReasonRevise:     {PhaseProjectDiscovery},
		ReasonRejected:   {PhaseProjectDiscovery},
		ReasonEscalation: {Escalated},
	},
	PhaseInfraRequirements: {
		ReasonSuccess:    {PhaseArchitecture},
		ReasonApproved:   {PhaseArchitecture},
		ReasonRevise:     {PhaseInfraRequirements},
		ReasonFailure:    {PhaseInfraRequirements},
		ReasonEscalation: {Escalated},
	},
	PhaseArchitecture: {
		ReasonSuccess:    {PhaseImplementationPlan},
		ReasonApproved:   {PhaseImplementationPlan},
		ReasonRevise:     {PhaseArchitecture},
		ReasonFailure:    {PhaseArchitecture},
		ReasonEscalation: {Escalated},
	},
	PhaseImplementationPlan: {
		ReasonSuccess:    {PhaseInfraCodeGen},
		ReasonApproved:   {PhaseInfraCodeGen},
		ReasonRevise:     {PhaseImplementationPlan},
		ReasonEscalation: {Escalated},
	},
	PhaseInfraCodeGen: {
		ReasonValidationPasses: {PhaseDeployment},
		ReasonSuccess:          {PhaseDeployment},
		ReasonApproved:         {PhaseDeployment},
		ReasonSyntaxErrors:     {PhaseInfraCodeGen},
		ReasonEscalation:       {Escalated},
	},
	PhaseDeployment: {
		ReasonDeploymentSuccess: {PhasePostDeployment},
		ReasonSuccess:           {PhasePostDeployment},
		ReasonApproved:          {PhasePostDeployment},
		ReasonDeploymentFailure: {PhaseDeployment},
		ReasonEscalation:        {Escalated},
	},
	PhasePostDeployment: {
		ReasonSuccess:    {PhaseHandoff},
		ReasonFailure:    {PhasePostDeployment},
		ReasonEscalation: {Escalated},
	},
	PhaseHandoff: {
		ReasonSuccess:    {PhaseAppCodeGen},
		ReasonEscalation: {Escalated},
	},
	PhaseAppCodeGen: {
		// 9 and 10 run in parallel after 8
		ReasonSuccess:    {PhaseTracking, PhaseTestingFramework},
		ReasonFailure:    {PhaseAppCodeGen},
		ReasonEscalation: {Escalated},
	},
	PhaseTracking: {
		ReasonSuccess:    {PhaseDocumentation},
		ReasonEscalation: {Escalated},
	},
	PhaseTestingFramework: {
		ReasonSuccess:    {PhaseDocumentation},
		ReasonFailure:    {PhaseTestingFramework},
		ReasonEscalation: {Escalated},
	},
	PhaseDocumentation: {
		ReasonApproved:   {},
		ReasonSuccess:    {},
		ReasonRevise:     {PhaseDocumentation},
		ReasonEscalation: {Escalated},
	},
}

// Successors returns the phases entered when leaving the given phase for
// the given reason. The second return is false when the state machine has
// no entry for the (phase, reason) pair.
func Successors(phase int, reason Reason) ([]int, bool) {
	byReason, ok := transitionTable[phase]
	if !ok {
		return nil, false
	}
	next, ok := byReason[reason]
	if !ok {
		return nil, false
	}
	return append([]int(nil), next...), true
}

// IsReachable reports whether next appears in the state machine as a
// successor of current for any reason.
func IsReachable(current, next int) bool {
	byReason, ok := transitionTable[current]
	if !ok {
		return false
	}
	for _, targets := range byReason {
		for _, target := range targets {
			if target == next {
				return true
			}
		}
	}
	return false
}
