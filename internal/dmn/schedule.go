package dmn

import (
	"sort"

	"rulecore/internal/logging"
)

// Schedule computes an execution order for the decisions using Kahn's
// algorithm over the dependency graph. Dependencies on decision IDs that are
// not present in the document are logged and treated as already satisfied.
//
// When a cycle prevents a complete topological order, Schedule logs the
// remaining node IDs and falls back to the declared document order; the
// returned cycle list is non-empty in that case. Malformed input degrades,
// it never aborts execution.
func Schedule(defs *Definitions) (order []*Decision, cycle []string) {
	present := make(map[string]bool, len(defs.Decisions))
	for _, d := range defs.Decisions {
		present[d.ID] = true
	}

	// In-degree per decision, counting only resolvable dependencies.
	indegree := make(map[string]int, len(defs.Decisions))
	dependents := make(map[string][]string) // dep ID -> decisions that need it
	for _, d := range defs.Decisions {
		indegree[d.ID] = 0
		for _, dep := range d.Requires {
			if !present[dep] {
				logging.Get(logging.CategoryDMN).Warn(
					"decision %s requires missing decision %s; treating as independent", d.ID, dep)
				continue
			}
			indegree[d.ID]++
			dependents[dep] = append(dependents[dep], d.ID)
		}
	}

	// Seed the queue in declared order so the result is deterministic.
	var queue []string
	for _, d := range defs.Decisions {
		if indegree[d.ID] == 0 {
			queue = append(queue, d.ID)
		}
	}

	var emitted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		emitted = append(emitted, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(emitted) < len(defs.Decisions) {
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		logging.Get(logging.CategoryDMN).Warn(
			"dependency cycle among decisions %v; falling back to declared order", cycle)
		return defs.Decisions, cycle
	}

	for _, id := range emitted {
		order = append(order, defs.Decision(id))
	}
	return order, nil
}
