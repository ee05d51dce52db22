// Package phases holds the static twelve-phase workflow definition data:
// phase metadata, agent assignments, approval gates, priority
// classification, prerequisites, and the transition state machine.
//
// Everything in this package is immutable after init and is read
// concurrently without synchronization.
package phases

// Phase numbers. The lifecycle is fixed at twelve phases (0-11).
const (
	PhaseProjectDiscovery   = 0
	PhaseInfraRequirements  = 1
	PhaseArchitecture       = 2
	PhaseImplementationPlan = 3
	PhaseInfraCodeGen       = 4
	PhaseDeployment         = 5
	PhasePostDeployment     = 6
	PhaseHandoff            = 7
	PhaseAppCodeGen         = 8
	PhaseTracking           = 9
	PhaseTestingFramework   = 10
	PhaseDocumentation      = 11

	// PhaseCount is the number of phases in the lifecycle
	PhaseCount = 12
)

// Phase describes one stage of the lifecycle
type Phase struct {
	Number                   int      `json:"number"`
	Name                     string   `json:"name"`
	Agents                   []string `json:"agents"`
	UserApprovalRequired     bool     `json:"userApprovalRequired"`
	EstimatedDurationMinutes int      `json:"estimatedDurationMinutes"`
}

// phaseTable is the authoritative phase list, indexed by phase number
var phaseTable = [PhaseCount]Phase{
	{Number: 0, Name: "Project Discovery & Planning", Agents: []string{"planner", "coordinator", "qa"}, UserApprovalRequired: true, EstimatedDurationMinutes: 30},
	{Number: 1, Name: "Infrastructure Requirements", Agents: []string{"planner"}, UserApprovalRequired: true, EstimatedDurationMinutes: 20},
	{Number: 2, Name: "Architecture Assessment & Cost", Agents: []string{"cloud-architect", "diagram-generator"}, UserApprovalRequired: true, EstimatedDurationMinutes: 45},
	{Number: 3, Name: "Implementation Planning", Agents: []string{"plan-agent"}, UserApprovalRequired: true, EstimatedDurationMinutes: 30},
	{Number: 4, Name: "Infrastructure Code Generation", Agents: []string{"implementation-agent"}, UserApprovalRequired: true, EstimatedDurationMinutes: 60},
	{Number: 5, Name: "Deployment & Validation", Agents: []string{"deploy-coordinator"}, UserApprovalRequired: true, EstimatedDurationMinutes: 40},
	{Number: 6, Name: "Post-Deployment Validation", Agents: []string{"documentation-generator"}, UserApprovalRequired: false, EstimatedDurationMinutes: 20},
	{Number: 7, Name: "Handoff", Agents: []string{"coordinator"}, UserApprovalRequired: false, EstimatedDurationMinutes: 15},
	{Number: 8, Name: "Application Code Generation", Agents: []string{"coordinator", "cicd", "frontend"}, UserApprovalRequired: false, EstimatedDurationMinutes: 90},
	{Number: 9, Name: "Tracking", Agents: []string{"reporter"}, UserApprovalRequired: false, EstimatedDurationMinutes: 15},
	{Number: 10, Name: "Testing Framework", Agents: []string{"qa"}, UserApprovalRequired: false, EstimatedDurationMinutes: 45},
	{Number: 11, Name: "Documentation & Knowledge Transfer", Agents: []string{"documentation-generator"}, UserApprovalRequired: true, EstimatedDurationMinutes: 30},
}

// Get returns the phase for a phase number. The second return is false for
// numbers outside 0-11.
func Get(number int) (Phase, bool) {
	if number < 0 || number >= PhaseCount {
		return Phase{}, false
	}
	return phaseTable[number], true
}

// All returns a copy of the full phase list in order
func All() []Phase {
	out := make([]Phase, PhaseCount)
	copy(out[:], phaseTable[:])
	return out
}

// AgentsFor returns the agent ids typically assigned to a phase
func AgentsFor(number int) []string {
	phase, ok := Get(number)
	if !ok {
		return nil
	}
	return append([]string(nil), phase.Agents...)
}

// ApprovalRequired reports whether a phase is gated on human approval
func ApprovalRequired(number int) bool {
	phase, ok := Get(number)
	return ok && phase.UserApprovalRequired
}

// criticalPhases are phases whose messages always classify CRITICAL.
// Only deployment carries the flag; user-confirmation urgency travels
// through the approval gates and escalation messages, not a phase number.
var criticalPhases = map[int]bool{
	PhaseDeployment: true,
}

// IsCritical reports whether a phase is flagged critical
func IsCritical(number int) bool {
	return criticalPhases[number]
}

// prerequisites maps a phase to the phases that must be completed before
// it may be entered. Phases 9 and 10 both follow 8 and both feed 11.
var prerequisites = map[int][]int{
	PhaseProjectDiscovery:   {},
	PhaseInfraRequirements:  {PhaseProjectDiscovery},
	PhaseArchitecture:       {PhaseInfraRequirements},
	PhaseImplementationPlan: {PhaseArchitecture},
	PhaseInfraCodeGen:       {PhaseImplementationPlan},
	PhaseDeployment:         {PhaseInfraCodeGen},
	PhasePostDeployment:     {PhaseDeployment},
	PhaseHandoff:            {PhasePostDeployment},
	PhaseAppCodeGen:         {PhaseHandoff},
	PhaseTracking:           {PhaseAppCodeGen},
	PhaseTestingFramework:   {PhaseAppCodeGen},
	PhaseDocumentation:      {PhaseTracking, PhaseTestingFramework},
}

// Prerequisites returns the phases that must be completed before entering
// the given phase.
func Prerequisites(number int) []int {
	return append([]int(nil), prerequisites[number]...)
}
