// Package graph maintains the in-memory dependency graph derived from task
// dependency links. It is a read-mostly cache over the state store's
// committed data: rebuilt on load, kept in sync on every dependency-affecting
// mutation, and never the owner of task state itself. Cycle prevention
// happens at write time via traversal, so the stored structure never needs
// cycle-tolerant walks.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// DefaultMaxDepth is the default cap on the longest dependency chain
// through any single task.
const DefaultMaxDepth = 10

// node is the graph's view of a task: just enough to answer readiness and
// ordering queries without holding store-owned state.
type node struct {
	id        string
	projectID string
	status    task.Status
	priority  int
	createdAt time.Time
	dependsOn []string
}

// Graph is a directed acyclic dependency graph over tasks.
type Graph struct {
	mu         sync.RWMutex
	maxDepth   int
	nodes      map[string]*node
	dependents map[string][]string // depID -> tasks that depend on it
}

// New creates an empty graph. maxDepth <= 0 selects DefaultMaxDepth.
func New(maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Graph{
		maxDepth:   maxDepth,
		nodes:      make(map[string]*node),
		dependents: make(map[string][]string),
	}
}

// Rebuild replaces the graph contents from committed store state.
func (g *Graph) Rebuild(tasks []*task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*node, len(tasks))
	g.dependents = make(map[string][]string)

	for _, t := range tasks {
		g.nodes[t.ID] = &node{
			id:        t.ID,
			projectID: t.ProjectID,
			status:    t.Status,
			priority:  t.Priority,
			createdAt: t.CreatedAt,
			dependsOn: append([]string(nil), t.DependencyIDs...),
		}
	}
	for _, n := range g.nodes {
		for _, depID := range n.dependsOn {
			g.dependents[depID] = append(g.dependents[depID], n.id)
		}
	}
}

// SetStatus updates the cached status for a task. No-op for unknown ids.
func (g *Graph) SetStatus(taskID string, status task.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.nodes[taskID]; ok {
		n.status = status
	}
}

// AddDependency records that task depends on dependsOn, after validating
// that the edge keeps the graph acyclic, within the depth cap, and inside
// one project. On any validation failure the graph is left unchanged.
func (g *Graph) AddDependency(taskID, dependsOnID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tn, ok := g.nodes[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	dn, ok := g.nodes[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, dependsOnID)
	}

	if taskID == dependsOnID {
		return &CycleError{Path: []string{taskID, taskID}}
	}
	if tn.projectID != dn.projectID {
		return &CrossProjectError{
			TaskID:        taskID,
			TaskProject:   tn.projectID,
			DependsOn:     dependsOnID,
			DependsOnProj: dn.projectID,
		}
	}

	for _, existing := range tn.dependsOn {
		if existing == dependsOnID {
			return nil // Already present; idempotent
		}
	}

	// Cycle guard: a path from dependsOn back to task means the new edge
	// would close a loop.
	if path := g.findPath(dependsOnID, taskID); path != nil {
		return &CycleError{Path: append([]string{taskID}, path...)}
	}

	// Depth guard: measure the longest chain through either endpoint as if
	// the edge were present.
	tn.dependsOn = append(tn.dependsOn, dependsOnID)
	g.dependents[dependsOnID] = append(g.dependents[dependsOnID], taskID)

	for _, id := range []string{taskID, dependsOnID} {
		if depth := g.longestChainThrough(id); depth > g.maxDepth {
			// Revert the provisional edge before reporting.
			tn.dependsOn = tn.dependsOn[:len(tn.dependsOn)-1]
			deps := g.dependents[dependsOnID]
			g.dependents[dependsOnID] = deps[:len(deps)-1]
			return &DepthExceededError{TaskID: id, Depth: depth, MaxDepth: g.maxDepth}
		}
	}

	return nil
}

// findPath runs a depth-first traversal along dependency edges from `from`
// and returns the path if it reaches `to`, nil otherwise. The visited set
// is initialized unconditionally before any early exit.
func (g *Graph) findPath(from, to string) []string {
	visited := make(map[string]bool, len(g.nodes))

	var dfs func(id string, path []string) []string
	dfs = func(id string, path []string) []string {
		if visited[id] {
			return nil
		}
		visited[id] = true
		path = append(path, id)

		if id == to {
			return append([]string(nil), path...)
		}

		n, ok := g.nodes[id]
		if !ok {
			return nil
		}
		for _, depID := range n.dependsOn {
			if found := dfs(depID, path); found != nil {
				return found
			}
		}
		return nil
	}

	return dfs(from, nil)
}

// longestChainThrough returns the number of tasks on the longest dependency
// chain passing through the given task.
func (g *Graph) longestChainThrough(taskID string) int {
	up := g.longestWalk(taskID, func(n *node) []string { return n.dependsOn }, map[string]int{})
	down := g.longestWalk(taskID, func(n *node) []string { return g.dependents[n.id] }, map[string]int{})
	return up + down + 1
}

// longestWalk returns the longest edge count reachable from taskID along
// next(), memoized. The graph is acyclic by construction so no cycle guard
// is needed here.
func (g *Graph) longestWalk(taskID string, next func(*node) []string, memo map[string]int) int {
	if d, ok := memo[taskID]; ok {
		return d
	}

	n, ok := g.nodes[taskID]
	if !ok {
		return 0
	}

	best := 0
	for _, succ := range next(n) {
		if d := g.longestWalk(succ, next, memo) + 1; d > best {
			best = d
		}
	}
	memo[taskID] = best
	return best
}

// ReadySet returns the ids of all tasks in the project whose status is
// PENDING or READY and whose every dependency is COMPLETED. A task with
// zero dependencies is immediately ready.
func (g *Graph) ReadySet(projectID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, n := range g.nodes {
		if n.projectID != projectID {
			continue
		}
		if n.status != task.StatusPending && n.status != task.StatusReady {
			continue
		}
		if g.blockingDeps(n) == nil {
			ready = append(ready, n.id)
		}
	}
	return ready
}

// BlockedSet returns, for every task in the project with at least one
// incomplete dependency, the specific dependency ids blocking it.
func (g *Graph) BlockedSet(projectID string) map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	blocked := make(map[string][]string)
	for _, n := range g.nodes {
		if n.projectID != projectID {
			continue
		}
		switch n.status {
		case task.StatusPending, task.StatusReady, task.StatusBlockedOnDependency:
			if deps := g.blockingDeps(n); deps != nil {
				blocked[n.id] = deps
			}
		}
	}
	return blocked
}

// blockingDeps returns the dependency ids that are not COMPLETED, or nil
// when the task is unblocked. Unknown dependency ids count as blocking.
func (g *Graph) blockingDeps(n *node) []string {
	var blocking []string
	for _, depID := range n.dependsOn {
		dep, ok := g.nodes[depID]
		if !ok || dep.status != task.StatusCompleted {
			blocking = append(blocking, depID)
		}
	}
	return blocking
}

// Contains reports whether the graph knows the given task id.
func (g *Graph) Contains(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[taskID]
	return ok
}
