// Package order builds the dependency graph of a desired resource set and
// sorts it into a deterministic apply sequence.
package order

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/szaher/gitsync/internal/resource"
)

// Edge means From must be synced after To.
type Edge struct {
	From resource.Identity `json:"from"`
	To   resource.Identity `json:"to"`
}

// CyclicDependencyError names every identity that takes part in a cycle.
type CyclicDependencyError struct {
	Cycle  []resource.Identity
	Cycles [][]resource.Identity
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = id.String()
	}
	return fmt.Sprintf("cyclic dependency between %s", strings.Join(parts, ", "))
}

// Graph is the dependency graph of one pass. It is rebuilt from the desired
// set every pass.
type Graph struct {
	nodes      []resource.Identity
	known      map[resource.Identity]bool
	deps       map[resource.Identity][]resource.Identity
	dependents map[resource.Identity][]resource.Identity
}

// Build creates the graph for resources. References to identities outside
// the set are ignored: they are either already live or not managed here.
func Build(resources []resource.DesiredState) *Graph {
	g := &Graph{
		known:      make(map[resource.Identity]bool, len(resources)),
		deps:       make(map[resource.Identity][]resource.Identity),
		dependents: make(map[resource.Identity][]resource.Identity),
	}
	for _, r := range resources {
		if !g.known[r.Identity] {
			g.known[r.Identity] = true
			g.nodes = append(g.nodes, r.Identity)
		}
	}
	resource.SortIdentities(g.nodes)

	for _, r := range resources {
		for _, ref := range r.References {
			if !g.known[ref] || ref == r.Identity || contains(g.deps[r.Identity], ref) {
				continue
			}
			g.deps[r.Identity] = append(g.deps[r.Identity], ref)
			g.dependents[ref] = append(g.dependents[ref], r.Identity)
		}
	}
	for _, m := range []map[resource.Identity][]resource.Identity{g.deps, g.dependents} {
		for _, ids := range m {
			resource.SortIdentities(ids)
		}
	}
	return g
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns what id must wait for.
func (g *Graph) Dependencies(id resource.Identity) []resource.Identity {
	return g.deps[id]
}

// Dependents returns what waits for id.
func (g *Graph) Dependents(id resource.Identity) []resource.Identity {
	return g.dependents[id]
}

// Edges returns every edge, sorted by From then To.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, from := range g.nodes {
		for _, to := range g.deps[from] {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// Sort returns the identities so that every dependency precedes its
// dependents. Among ready nodes the lowest kind rank goes first, then
// name. A cycle fails the whole sort with *CyclicDependencyError.
func (g *Graph) Sort() ([]resource.Identity, error) {
	if cycles := g.cycles(); len(cycles) > 0 {
		var all []resource.Identity
		for _, c := range cycles {
			all = append(all, c...)
		}
		resource.SortIdentities(all)
		return nil, &CyclicDependencyError{Cycle: all, Cycles: cycles}
	}

	indegree := make(map[resource.Identity]int, len(g.nodes))
	ready := &readyQueue{less: before}
	for _, id := range g.nodes {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]resource.Identity, 0, len(g.nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(resource.Identity)
		out = append(out, id)
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}
	if len(out) != len(g.nodes) {
		return nil, fmt.Errorf("dependency sort stalled after %d of %d resources", len(out), len(g.nodes))
	}
	return out, nil
}

// Order builds the graph for resources and sorts it.
func Order(resources []resource.DesiredState) ([]resource.Identity, error) {
	return Build(resources).Sort()
}

// DeletionOrder sorts resources for removal, the reverse of Sort: a
// resource goes before everything it references, so an Ingress is removed
// before its Service and a Namespace after its contents. Among ready nodes
// the highest kind rank goes first. Resources caught in a reference cycle
// are appended in the same kind order rather than failing the pass.
func DeletionOrder(resources []resource.DesiredState) []resource.Identity {
	g := Build(resources)
	after := func(a, b resource.Identity) bool { return before(b, a) }

	outdegree := make(map[resource.Identity]int, len(g.nodes))
	ready := &readyQueue{less: after}
	for _, id := range g.nodes {
		outdegree[id] = len(g.dependents[id])
		if outdegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]resource.Identity, 0, len(g.nodes))
	placed := make(map[resource.Identity]bool, len(g.nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(resource.Identity)
		out = append(out, id)
		placed[id] = true
		for _, dep := range g.deps[id] {
			outdegree[dep]--
			if outdegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}
	if len(out) < len(g.nodes) {
		var rest []resource.Identity
		for _, id := range g.nodes {
			if !placed[id] {
				rest = append(rest, id)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return after(rest[i], rest[j]) })
		out = append(out, rest...)
	}
	return out
}

// before is the tie-break among ready nodes.
func before(a, b resource.Identity) bool {
	ra, rb := KindRank(a.Kind), KindRank(b.Kind)
	if ra != rb {
		return ra < rb
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Less(b)
}

type readyQueue struct {
	ids  []resource.Identity
	less func(a, b resource.Identity) bool
}

func (q *readyQueue) Len() int           { return len(q.ids) }
func (q *readyQueue) Less(i, j int) bool { return q.less(q.ids[i], q.ids[j]) }
func (q *readyQueue) Swap(i, j int)      { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)         { q.ids = append(q.ids, x.(resource.Identity)) }
func (q *readyQueue) Pop() any {
	n := len(q.ids)
	item := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return item
}

func contains(ids []resource.Identity, id resource.Identity) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
