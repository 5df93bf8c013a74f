package graph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// TopologicalOrder orders the given task ids so that every task appears
// after all of its dependencies, using Kahn's algorithm: repeatedly remove
// nodes with in-degree zero, decrementing their dependents' in-degrees.
// Ids outside the graph or outside the given set contribute no edges.
//
// Zero-in-degree candidates are consumed highest priority first, ties
// broken by earliest creation time then id, so the order is deterministic
// and matches the scheduler's selection preference.
//
// A remaining node when no zero-in-degree candidate exists means a cycle;
// that is unreachable given AddDependency's guard, but reported defensively
// as a CycleError.
func (g *Graph) TopologicalOrder(taskIDs []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inSet := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		inSet[id] = true
	}

	// In-degrees restricted to the induced subgraph.
	inDegree := make(map[string]int, len(taskIDs))
	for id := range inSet {
		inDegree[id] = 0
	}
	for id := range inSet {
		for _, depID := range g.nodes[id].dependsOn {
			if inSet[depID] {
				inDegree[id]++
			}
		}
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(taskIDs))
	for len(frontier) > 0 {
		g.sortByPreference(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for _, dependent := range g.dependents[next] {
			if !inSet[dependent] {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if len(order) != len(inSet) {
		var remaining []string
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		for id := range inSet {
			if !placed[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Path: remaining}
	}

	return order, nil
}

// sortByPreference orders ids by priority (desc), creation time, then id.
func (g *Graph) sortByPreference(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.id < b.id
	})
}

// Validate runs a whole-graph topological sort as a defensive consistency
// check after bulk loads. Returns a CycleError if the committed data
// somehow contains a cycle.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for id, n := range g.nodes {
		if len(n.dependsOn) == 0 {
			// Ensure isolated tasks are still represented.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range n.dependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &CycleError{}
	}
	return nil
}
