package order

import "github.com/szaher/gitsync/internal/resource"

// cycles returns every strongly connected component that forms a cycle,
// each sorted, using Tarjan's algorithm.
func (g *Graph) cycles() [][]resource.Identity {
	t := &tarjan{
		graph:   g,
		onStack: make(map[resource.Identity]bool),
		indices: make(map[resource.Identity]int),
		lowlink: make(map[resource.Identity]int),
	}
	for _, id := range g.nodes {
		if _, visited := t.indices[id]; !visited {
			t.strongconnect(id)
		}
	}

	var out [][]resource.Identity
	for _, scc := range t.sccs {
		if len(scc) > 1 || contains(g.deps[scc[0]], scc[0]) {
			resource.SortIdentities(scc)
			out = append(out, scc)
		}
	}
	return out
}

type tarjan struct {
	graph   *Graph
	index   int
	stack   []resource.Identity
	onStack map[resource.Identity]bool
	indices map[resource.Identity]int
	lowlink map[resource.Identity]int
	sccs    [][]resource.Identity
}

func (t *tarjan) strongconnect(v resource.Identity) {
	t.indices[v] = t.index
	t.lowlink[v] = t.index
	t.index++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.deps[v] {
		if _, visited := t.indices[w]; !visited {
			t.strongconnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.indices[w])
		}
	}

	if t.lowlink[v] == t.indices[v] {
		var scc []resource.Identity
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}
