package graph

import (
	"sort"

	"github.com/aristath/conductor/internal/task"
)

// SnapshotNode is one task in a graph snapshot.
type SnapshotNode struct {
	ID       string
	Status   task.Status
	Priority int
}

// SnapshotEdge is one dependency edge: From depends on To.
type SnapshotEdge struct {
	From string
	To   string
}

// Snapshot is a point-in-time copy of a project's dependency graph,
// suitable for visualization by surrounding tooling.
type Snapshot struct {
	ProjectID string
	Nodes     []SnapshotNode
	Edges     []SnapshotEdge
}

// Snapshot returns a stable-ordered copy of the project's graph.
func (g *Graph) Snapshot(projectID string) Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{ProjectID: projectID}
	for _, n := range g.nodes {
		if n.projectID != projectID {
			continue
		}
		snap.Nodes = append(snap.Nodes, SnapshotNode{
			ID:       n.id,
			Status:   n.status,
			Priority: n.priority,
		})
		for _, depID := range n.dependsOn {
			snap.Edges = append(snap.Edges, SnapshotEdge{From: n.id, To: depID})
		}
	}

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].From != snap.Edges[j].From {
			return snap.Edges[i].From < snap.Edges[j].From
		}
		return snap.Edges[i].To < snap.Edges[j].To
	})

	return snap
}
