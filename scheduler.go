package codemigrate

import (
	"fmt"
	"log"
	"sort"
)

// Schedule derives the full deterministic execution order for a
// validated graph using Kahn's algorithm. When several migrations are
// simultaneously eligible, the one with the lowest ordering key runs
// first (see DependencyGraph.less), so two runs over the same candidate
// set always produce the same order.
//
// Parameters:
//   - g: The validated dependency graph.
//
// Returns:
//   - []string: Migration identities in execution order.
//   - error: An error if the order cannot cover the whole graph.
func Schedule(g *DependencyGraph) ([]string, error) {
	return scheduleSubset(g, nil)
}

// ScheduleTarget derives the execution order covering exactly the
// transitive dependency closure of the target, plus the target itself.
//
// Parameters:
//   - g: The validated dependency graph.
//   - target: The target migration identity.
//
// Returns:
//   - []string: Migration identities in execution order.
//   - error: UnknownTargetError if the target is not in the graph.
func ScheduleTarget(g *DependencyGraph, target string) ([]string, error) {
	closure, err := g.Closure(target)
	if err != nil {
		return nil, err
	}
	return scheduleSubset(g, closure)
}

// scheduleSubset runs Kahn's algorithm over the graph, restricted to
// the given identity set when non-nil. Eligible nodes are picked in
// ascending ordering-key order.
func scheduleSubset(
	g *DependencyGraph, subset map[string]bool,
) ([]string, error) {
	include := func(id string) bool {
		return subset == nil || subset[id]
	}

	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, id := range g.IDs() {
		if !include(id) {
			continue
		}
		indegree[id] = 0
	}
	for id := range indegree {
		for _, dep := range g.Dependencies(id) {
			if !include(dep) {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.less(ready[i], ready[j])
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(indegree) {
		// Unreachable for a validated graph; guards against callers
		// constructing graphs outside BuildDependencyGraph.
		return nil, fmt.Errorf(
			"schedule covers %d of %d migrations; graph not acyclic",
			len(order), len(indegree),
		)
	}
	log.Printf("Scheduled %d migrations", len(order))
	return order, nil
}
