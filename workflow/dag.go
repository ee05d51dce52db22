package workflow

import (
	"fmt"
	"sort"

	"github.com/agenticcoder/agentcore/core"
)

// topoOrder returns step ids in dependency order. A cycle fails the call
// before anything executes. Ties are broken by definition order so runs
// are deterministic.
func topoOrder(steps []Step) ([]string, error) {
	position := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))

	for i, step := range steps {
		position[step.ID] = i
		indegree[step.ID] += 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
			indegree[step.ID]++
		}
	}

	ready := make([]string, 0, len(steps))
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: steps %v", core.ErrCycleDetected, stuck)
	}
	return order, nil
}
