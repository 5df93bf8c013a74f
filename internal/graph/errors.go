package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTask is returned when an endpoint of a dependency mutation is
// not present in the graph.
var ErrUnknownTask = errors.New("unknown task")

// CycleError reports a dependency mutation that would create a cycle, or a
// cycle discovered during a defensive whole-graph validation. The graph is
// left unchanged.
type CycleError struct {
	Path []string // Participants, in traversal order, when known
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// DepthExceededError reports that a dependency mutation would push the
// longest chain through a task past the configured maximum.
type DepthExceededError struct {
	TaskID   string
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("dependency chain through task %q would reach depth %d (max %d)", e.TaskID, e.Depth, e.MaxDepth)
}

// CrossProjectError reports an attempt to link tasks from different projects.
type CrossProjectError struct {
	TaskID        string
	TaskProject   string
	DependsOn     string
	DependsOnProj string
}

func (e *CrossProjectError) Error() string {
	return fmt.Sprintf("task %q (project %q) cannot depend on %q (project %q)", e.TaskID, e.TaskProject, e.DependsOn, e.DependsOnProj)
}
