// Package dag implements the pure graph-analysis functions the
// scheduler uses to advance a workflow instance: cycle detection,
// in-degree, start nodes, and upstream/downstream traversal.
//
// Edges that reference a node ID absent from the node set are
// silently ignored everywhere in this package. That is a deliberate
// robustness choice, not an oversight: a template author can supply a
// DAG definition with a stray edge and the engine still runs the
// well-formed part of the graph rather than refusing outright.
// ValidateDefinition exists separately for callers that want to be
// warned about that situation at template-creation time.
package dag

import (
	"fmt"

	"github.com/weix2025/dagforge/internal/model"
)

// IsCyclic reports whether def contains a cycle reachable from its
// nodes, using DFS with a recursion stack.
func IsCyclic(def model.DAGDefinition) bool {
	adj := adjacency(def)
	visited := make(map[string]bool, len(def.Nodes))
	recStack := make(map[string]bool, len(def.Nodes))

	for _, n := range def.Nodes {
		if !visited[n.ID] {
			if detectCycle(n.ID, adj, visited, recStack) {
				return true
			}
		}
	}
	return false
}

func detectCycle(nodeID string, adj map[string][]string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	for _, next := range adj[nodeID] {
		if !visited[next] {
			if detectCycle(next, adj, visited, recStack) {
				return true
			}
		} else if recStack[next] {
			return true
		}
	}

	recStack[nodeID] = false
	return false
}

// InDegree returns, for every known node ID, the count of edges
// pointing at it from another known node.
func InDegree(def model.DAGDefinition) map[string]int {
	known := nodeSet(def)
	degree := make(map[string]int, len(def.Nodes))
	for id := range known {
		degree[id] = 0
	}
	for _, e := range def.Edges {
		if known[e.From] && known[e.To] {
			degree[e.To]++
		}
	}
	return degree
}

// StartNodes returns the IDs of nodes with in-degree zero, in the
// order they appear in def.Nodes.
func StartNodes(def model.DAGDefinition) []string {
	degree := InDegree(def)
	var starts []string
	for _, n := range def.Nodes {
		if degree[n.ID] == 0 {
			starts = append(starts, n.ID)
		}
	}
	return starts
}

// Downstream returns the IDs of nodes with a direct edge from nodeID.
func Downstream(def model.DAGDefinition, nodeID string) []string {
	known := nodeSet(def)
	if !known[nodeID] {
		return nil
	}
	var out []string
	for _, e := range def.Edges {
		if e.From == nodeID && known[e.To] {
			out = append(out, e.To)
		}
	}
	return out
}

// Upstream returns the IDs of nodes with a direct edge into nodeID.
func Upstream(def model.DAGDefinition, nodeID string) []string {
	known := nodeSet(def)
	if !known[nodeID] {
		return nil
	}
	var in []string
	for _, e := range def.Edges {
		if e.To == nodeID && known[e.From] {
			in = append(in, e.From)
		}
	}
	return in
}

// DependenciesMet reports whether every upstream node of nodeID is
// present in completed.
func DependenciesMet(def model.DAGDefinition, nodeID string, completed map[string]bool) bool {
	for _, dep := range Upstream(def, nodeID) {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ValidateDefinition flags structural problems worth surfacing at
// template-creation time: duplicate node IDs, edges referencing
// unknown nodes, and cycles. It does not change runtime behavior,
// which continues to silently drop edges to unknown nodes.
func ValidateDefinition(def model.DAGDefinition) []error {
	var problems []error

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if seen[n.ID] {
			problems = append(problems, fmt.Errorf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
	}

	for _, e := range def.Edges {
		if !seen[e.From] {
			problems = append(problems, fmt.Errorf("edge references unknown node %q", e.From))
		}
		if !seen[e.To] {
			problems = append(problems, fmt.Errorf("edge references unknown node %q", e.To))
		}
	}

	if IsCyclic(def) {
		problems = append(problems, fmt.Errorf("definition contains a cycle"))
	}

	return problems
}

func nodeSet(def model.DAGDefinition) map[string]bool {
	set := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		set[n.ID] = true
	}
	return set
}

func adjacency(def model.DAGDefinition) map[string][]string {
	known := nodeSet(def)
	adj := make(map[string][]string, len(def.Nodes))
	for id := range known {
		adj[id] = nil
	}
	for _, e := range def.Edges {
		if known[e.From] && known[e.To] {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	return adj
}
