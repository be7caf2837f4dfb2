package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/windlass-io/windlass/internal/ir"
)

// Graph validation errors. All surface before any mutation is attempted.
var (
	ErrDuplicateIdentifier  = fmt.Errorf("duplicate resource identifier")
	ErrUnresolvedDependency = fmt.Errorf("unresolved dependency")
	ErrCycleDetected        = fmt.Errorf("dependency cycle detected")
)

// Graph is a validated dependency graph with a deterministic execution
// order. Ties between independent nodes break by lexical identifier, so
// the same input always yields the same order.
type Graph struct {
	nodes map[string]*graphNode
	order []string // creation order
	rank  map[string]int
}

type graphNode struct {
	id         string
	resource   *ir.Resource
	deps       []string // identifiers this node depends on
	dependents []string // identifiers that depend on this node
}

// BuildGraph validates desired resources and computes their execution
// order. Pure transform: no provider calls, no side effects.
func BuildGraph(resources []*ir.Resource) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*graphNode, len(resources)),
		rank:  make(map[string]int, len(resources)),
	}

	for _, res := range resources {
		if res.ID == "" {
			return nil, fmt.Errorf("resource of kind %q has no identifier", res.Kind)
		}
		if _, dup := g.nodes[res.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, res.ID)
		}
		g.nodes[res.ID] = &graphNode{id: res.ID, resource: res}
	}

	for _, res := range resources {
		node := g.nodes[res.ID]
		for _, dep := range res.DependsOn {
			target, ok := g.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnresolvedDependency, res.ID, dep)
			}
			node.deps = append(node.deps, dep)
			target.dependents = append(target.dependents, res.ID)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildStateGraph constructs a graph from recorded state, used to order
// deletions. Recorded dependencies that no longer exist in state are
// dropped: the edge cannot constrain anything that is already gone.
func BuildStateGraph(records []*ir.RecordedResource) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*graphNode, len(records)),
		rank:  make(map[string]int, len(records)),
	}

	for _, rec := range records {
		if _, dup := g.nodes[rec.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, rec.ID)
		}
		g.nodes[rec.ID] = &graphNode{id: rec.ID}
	}

	for _, rec := range records {
		node := g.nodes[rec.ID]
		for _, dep := range rec.Dependencies {
			target, ok := g.nodes[dep]
			if !ok {
				continue
			}
			node.deps = append(node.deps, dep)
			target.dependents = append(target.dependents, rec.ID)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// sort runs Kahn's algorithm with a lexically ordered ready set and
// assigns each node its rank.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id, node := range g.nodes {
		inDegree[id] = len(node.deps)
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	sorted := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		released := false
		for _, dependent := range g.nodes[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(sorted) != len(g.nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(stuck, ", "))
	}

	g.order = sorted
	for i, id := range sorted {
		g.rank[id] = i
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether the identifier names a node in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Resource returns the desired resource for an identifier, or nil for
// graphs built from state.
func (g *Graph) Resource(id string) *ir.Resource {
	if node, ok := g.nodes[id]; ok {
		return node.resource
	}
	return nil
}

// CreationOrder returns identifiers in dependency-respecting creation order.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder returns identifiers in exact reverse creation order,
// safe for deletion: dependents come before their dependencies.
func (g *Graph) DestructionOrder() []string {
	rev := make([]string, len(g.order))
	for i, id := range g.order {
		rev[len(g.order)-1-i] = id
	}
	return rev
}

// Rank returns the node's position in creation order, or -1.
func (g *Graph) Rank(id string) int {
	if r, ok := g.rank[id]; ok {
		return r
	}
	return -1
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return node.deps
	}
	return nil
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return node.dependents
	}
	return nil
}

// TransitiveDeps returns every node reachable through dependency edges
// from id, in sorted order.
func (g *Graph) TransitiveDeps(id string) []string {
	return g.walk(id, func(n *graphNode) []string { return n.deps })
}

// TransitiveDependents returns every node that transitively depends on
// id, in sorted order.
func (g *Graph) TransitiveDependents(id string) []string {
	return g.walk(id, func(n *graphNode) []string { return n.dependents })
}

func (g *Graph) walk(id string, next func(*graphNode) []string) []string {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for _, n := range next(node) {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
