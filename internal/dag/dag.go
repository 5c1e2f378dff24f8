// Package dag orders pipeline steps by their dependencies.
//
// Nodes are raw relations and derived tables; an edge parent -> child means
// the child reads the parent. Levels groups nodes that can run concurrently.
package dag

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Node is a step in the graph.
type Node[T any] struct {
	ID   string
	Data T
}

// Graph is a directed acyclic graph of pipeline steps.
type Graph[T any] struct {
	nodes    map[string]*Node[T]
	children map[string][]string
	parents  map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph[T any]() *Graph[T] {
	return &Graph[T]{
		nodes:    make(map[string]*Node[T]),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddNode adds a node, replacing the data of an existing node with the same ID.
func (g *Graph[T]) AddNode(id string, data T) {
	if n, ok := g.nodes[id]; ok {
		n.Data = data
		return
	}
	g.nodes[id] = &Node[T]{ID: id, Data: data}
}

// AddEdge records that child depends on parent.
func (g *Graph[T]) AddEdge(parent, child string) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("unknown dependency %q of %q", parent, child)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("unknown node %q", child)
	}
	if parent == child {
		return fmt.Errorf("%q depends on itself", parent)
	}

	if !slices.Contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !slices.Contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Node returns a node by ID.
func (g *Graph[T]) Node(id string) (*Node[T], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Parents returns the direct dependencies of id, sorted.
func (g *Graph[T]) Parents(id string) []string {
	return sorted(g.parents[id])
}

// Children returns the direct dependents of id, sorted.
func (g *Graph[T]) Children(id string) []string {
	return sorted(g.children[id])
}

// Nodes returns all nodes sorted by ID.
func (g *Graph[T]) Nodes() []*Node[T] {
	out := make([]*Node[T], 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int {
	return len(g.nodes)
}

// Roots returns the nodes without dependencies.
func (g *Graph[T]) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Levels groups nodes so that every node's dependencies are in an earlier
// level. Level 0 holds the roots. IDs within a level are sorted.
func (g *Graph[T]) Levels() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.parents[id])
	}

	var levels [][]string
	current := g.Roots()
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, id := range current {
			for _, child := range g.children[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if seen != len(g.nodes) {
		return nil, fmt.Errorf("dependency cycle between: %s", strings.Join(g.unresolved(indegree), ", "))
	}
	return levels, nil
}

// TopologicalSort returns node IDs with every dependency before its dependents.
func (g *Graph[T]) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.nodes))
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

// Upstream returns every transitive dependency of the given nodes, sorted,
// excluding the nodes themselves unless one depends on another.
func (g *Graph[T]) Upstream(ids ...string) []string {
	found := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, p := range g.parents[id] {
			if !found[p] {
				found[p] = true
				walk(p)
			}
		}
	}
	for _, id := range ids {
		walk(id)
	}
	return keys(found)
}

// Subgraph returns a graph restricted to ids and the edges among them.
// Unknown IDs are ignored.
func (g *Graph[T]) Subgraph(ids []string) *Graph[T] {
	sub := NewGraph[T]()
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			sub.AddNode(id, n.Data)
		}
	}
	for id := range sub.nodes {
		for _, child := range g.children[id] {
			if _, ok := sub.nodes[child]; ok {
				_ = sub.AddEdge(id, child)
			}
		}
	}
	return sub
}

func (g *Graph[T]) unresolved(indegree map[string]int) []string {
	var out []string
	for id, d := range indegree {
		if d > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
