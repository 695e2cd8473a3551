// pkg/graph/graph.go

// Package graph keeps the dependency relation between package names in
// both directions.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Graph maps each package to the packages it depends on and the packages
// depending on it. The two maps are kept mutually inverse. A Graph is not
// safe for concurrent mutation; owners serialize access.
type Graph struct {
	deps       map[string]set
	dependents map[string]set
}

// New returns an empty graph
func New() *Graph {
	return &Graph{
		deps:       make(map[string]set),
		dependents: make(map[string]set),
	}
}

// AddNode adds name with no edges. Existing nodes are left as they are.
func (g *Graph) AddNode(name string) {
	if _, ok := g.deps[name]; !ok {
		g.deps[name] = make(set)
	}
	if _, ok := g.dependents[name]; !ok {
		g.dependents[name] = make(set)
	}
}

// AddEdge records that from depends on to
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.deps[from][to] = struct{}{}
	g.dependents[to][from] = struct{}{}
}

// RemoveEdge drops the dependency of from on to
func (g *Graph) RemoveEdge(from, to string) {
	if d, ok := g.deps[from]; ok {
		delete(d, to)
	}
	if d, ok := g.dependents[to]; ok {
		delete(d, from)
	}
}

// RemoveNode drops name and every edge touching it
func (g *Graph) RemoveNode(name string) {
	for to := range g.deps[name] {
		delete(g.dependents[to], name)
	}
	for from := range g.dependents[name] {
		delete(g.deps[from], name)
	}
	delete(g.deps, name)
	delete(g.dependents, name)
}

// Has reports whether name is a node
func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Len returns the number of nodes
func (g *Graph) Len() int { return len(g.deps) }

// Nodes lists all nodes, sorted
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.deps))
	for n := range g.deps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DepsOf lists the direct dependencies of name
func (g *Graph) DepsOf(name string) []string {
	return g.deps[name].sorted()
}

// DependentsOf lists the packages directly depending on name
func (g *Graph) DependentsOf(name string) []string {
	return g.dependents[name].sorted()
}

// TransitiveDependents lists every package that depends on name directly
// or indirectly, excluding name itself.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := set{name: {}}
	queue := []string{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for d := range g.dependents[n] {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				queue = append(queue, d)
			}
		}
	}
	delete(seen, name)
	return seen.sorted()
}

// Clone returns an independent copy
func (g *Graph) Clone() *Graph {
	c := New()
	for n, ds := range g.deps {
		c.AddNode(n)
		for d := range ds {
			c.AddEdge(n, d)
		}
	}
	return c
}

// CheckInverse verifies that deps and dependents mirror each other
func (g *Graph) CheckInverse() error {
	for from, tos := range g.deps {
		for to := range tos {
			if _, ok := g.dependents[to][from]; !ok {
				return fmt.Errorf("%w: %s depends on %s but is not listed as its dependent", core.ErrConsistencyViolation, from, to)
			}
		}
	}
	for to, froms := range g.dependents {
		for from := range froms {
			if _, ok := g.deps[from][to]; !ok {
				return fmt.Errorf("%w: %s is listed as a dependent of %s without the dependency", core.ErrConsistencyViolation, from, to)
			}
		}
	}
	return nil
}

// FindCycle returns one dependency cycle as a path whose first and last
// elements are equal, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.deps))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range g.DepsOf(n) {
			switch color[d] {
			case grey:
				for i, s := range stack {
					if s == d {
						cycle = append(append([]string(nil), stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Nodes() {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// Batch applies fn to a copy of g and adopts the result only when fn
// succeeds and the graph stays acyclic.
func (g *Graph) Batch(fn func(*Graph) error) error {
	next := g.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if cycle := next.FindCycle(); cycle != nil {
		return fmt.Errorf("%w: dependency cycle %s", core.ErrConsistencyViolation, strings.Join(cycle, " -> "))
	}
	g.deps, g.dependents = next.deps, next.dependents
	return nil
}

// TopoOrder sorts names so every package follows its dependencies. Only
// edges between the given names are considered. Among packages that are
// ready at the same time, less decides; nil means by name.
func (g *Graph) TopoOrder(names []string, less func(a, b string) bool) ([]string, error) {
	if less == nil {
		less = func(a, b string) bool { return a < b }
	}
	in := make(set, len(names))
	for _, n := range names {
		in[n] = struct{}{}
	}

	pending := make(map[string]int, len(in))
	for n := range in {
		for d := range g.deps[n] {
			if _, ok := in[d]; ok && d != n {
				pending[n]++
			}
		}
	}

	var ready []string
	for n := range in {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]string, 0, len(in))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for d := range g.dependents[n] {
			if _, ok := in[d]; !ok || d == n {
				continue
			}
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(in) {
		var stuck []string
		for n := range in {
			if pending[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: dependency cycle among %s", core.ErrConsistencyViolation, strings.Join(stuck, ", "))
	}
	return out, nil
}
