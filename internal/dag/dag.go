// SPDX-License-Identifier: MPL-2.0

// Package dag orders provisioning steps by their declared requirements and
// checks that a fixed sequence honours them.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports nodes that can never be ordered.
	CycleError struct {
		Cycle []string
	}

	// OrderViolation reports a node placed before one of its requirements.
	OrderViolation struct {
		Node     string
		Requires string
		// Missing is true when the requirement does not appear in the order at all.
		Missing bool
	}

	// Graph is a requirement graph. Require(a, b) means b must complete before a.
	Graph struct {
		requires map[string][]string
		nodes    []string
		nodeSet  map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *OrderViolation) Error() string {
	if e.Missing {
		return fmt.Sprintf("%q requires %q, which is not part of the sequence", e.Node, e.Requires)
	}
	return fmt.Sprintf("%q runs before its requirement %q", e.Node, e.Requires)
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		requires: make(map[string][]string),
		nodeSet:  make(map[string]bool),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// Require records that node cannot start until dep has completed.
func (g *Graph) Require(node, dep string) {
	g.AddNode(node)
	g.AddNode(dep)
	if !slices.Contains(g.requires[node], dep) {
		g.requires[node] = append(g.requires[node], dep)
	}
}

// Requirements returns the direct requirements of node.
func (g *Graph) Requirements(node string) []string {
	return slices.Clone(g.requires[node])
}

// Order returns a topological order using Kahn's algorithm. Ties are broken
// by insertion order, so the result is deterministic.
func (g *Graph) Order() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	pending := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, node := range g.nodes {
		pending[node] = len(g.requires[node])
		for _, dep := range g.requires[node] {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var queue []string
	for _, node := range g.nodes {
		if pending[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)
		for _, next := range dependents[node] {
			pending[next]--
			if pending[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var cycle []string
		for _, node := range g.nodes {
			if pending[node] > 0 {
				cycle = append(cycle, node)
			}
		}
		return nil, &CycleError{Cycle: cycle}
	}
	return result, nil
}

// CheckOrder verifies that order places every node after all of its
// requirements. It returns the first violation found, scanning order from the
// front, or a CycleError if the graph cannot be ordered at all.
func (g *Graph) CheckOrder(order []string) error {
	if _, err := g.Order(); err != nil {
		return err
	}

	position := make(map[string]int, len(order))
	for i, node := range order {
		position[node] = i
	}

	for i, node := range order {
		for _, dep := range g.requires[node] {
			p, ok := position[dep]
			if !ok {
				return &OrderViolation{Node: node, Requires: dep, Missing: true}
			}
			if p > i {
				return &OrderViolation{Node: node, Requires: dep}
			}
		}
	}
	return nil
}
