package codemigrate

import (
	"fmt"
	"sort"
	"strconv"
)

// DependencyGraph is a validated dependency graph over migration
// identities. Edges point from a migration to the migrations it
// requires. A DependencyGraph is only ever constructed in a fully
// validated state: every referenced dependency resolves and no cycle
// exists.
type DependencyGraph struct {
	nodes map[string]Migration
	deps  map[string][]string
}

// BuildDependencyGraph builds and validates the dependency graph for a
// candidate set. Validation is all-or-nothing: no partial graph is
// returned.
//
// Parameters:
//   - migs: The candidate migrations.
//
// Returns:
//   - *DependencyGraph: The validated graph.
//   - error: UnresolvedDependencyError, CyclicDependencyError, or a
//     duplicate-identity error.
func BuildDependencyGraph(migs []Migration) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes: make(map[string]Migration, len(migs)),
		deps:  make(map[string][]string, len(migs)),
	}
	for _, m := range migs {
		id := m.ID()
		if _, exists := g.nodes[id]; exists {
			return nil, fmt.Errorf("duplicate migration identity %s", id)
		}
		g.nodes[id] = m
	}
	for _, m := range migs {
		for _, dep := range m.Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnresolvedDependencyError{
					Unit:    m.ID(),
					Missing: dep,
				}
			}
			g.deps[m.ID()] = append(g.deps[m.ID()], dep)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Path: cycle}
	}
	return g, nil
}

// Migration returns the migration for an identity.
//
// Parameters:
//   - id: The migration identity.
//
// Returns:
//   - Migration: The migration, or nil.
//   - bool: Whether the identity is in the graph.
func (g *DependencyGraph) Migration(id string) (Migration, bool) {
	m, ok := g.nodes[id]
	return m, ok
}

// Dependencies returns the direct dependencies of an identity.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.deps[id]
}

// IDs returns all identities in the graph, sorted by schedule order
// key for deterministic iteration.
func (g *DependencyGraph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.less(ids[i], ids[j])
	})
	return ids
}

// Closure returns the transitive dependency closure of an identity,
// including the identity itself.
//
// Parameters:
//   - id: The migration identity.
//
// Returns:
//   - map[string]bool: The closure as a set.
//   - error: UnknownTargetError if the identity is not in the graph.
func (g *DependencyGraph) Closure(id string) (map[string]bool, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, &UnknownTargetError{Target: id}
	}
	closure := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		if closure[cur] {
			return
		}
		closure[cur] = true
		for _, dep := range g.deps[cur] {
			visit(dep)
		}
	}
	visit(id)
	return closure, nil
}

// less orders identities by ascending version, falling back to
// lexicographic identity comparison on ties. This makes every schedule
// total and reproducible.
func (g *DependencyGraph) less(a, b string) bool {
	return orderingLess(
		g.nodes[a].Version(), a, g.nodes[b].Version(), b,
	)
}

// orderingLess is the engine-wide ordering key: ascending version,
// numeric when both versions parse as integers, then identity.
func orderingLess(aVer, aID, bVer, bID string) bool {
	if aVer != bVer {
		ia, errA := strconv.Atoi(aVer)
		ib, errB := strconv.Atoi(bVer)
		if errA == nil && errB == nil {
			return ia < ib
		}
		return aVer < bVer
	}
	return aID < bID
}

// findCycle runs a depth-first traversal with visiting/visited sets and
// returns the ordered identities of the first cycle found, with the
// entry identity repeated at the end. Returns nil when acyclic.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				// Slice the current path from the repeated identity.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	// Deterministic entry order so the reported cycle is stable.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
