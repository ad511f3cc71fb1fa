package dag

import (
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG. It is safe for concurrent
// reads.
type TaskGraph struct {
	nodesByName map[string]*TaskNode
	nodes       []*TaskNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, ascending
	incoming [][]int // by canonical index, ascending
	indeg    []int
	depth    []int // longest path from any root

	hash GraphHash
}

// NewTaskGraph builds and validates a TaskGraph. It rejects empty or
// duplicate task names, tasks without a Run function, edges to unknown
// tasks, duplicate edges, self-loops and cycles.
func NewTaskGraph(tasks []Task, edges []Edge) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodesByName := make(map[string]*TaskNode, len(tasks))
	nodes := make([]*TaskNode, 0, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if t.Run == nil {
			return nil, invalidf("task %q has no run function", t.Name)
		}
		if _, exists := nodesByName[t.Name]; exists {
			return nil, invalidf("duplicate task name: %q", t.Name)
		}
		node := &TaskNode{Name: t.Name, Task: t, DefinitionHash: computeTaskDefHash(t.Inputs, t.Definition)}
		nodesByName[t.Name] = node
		nodes = append(nodes, node)
	}

	// Canonical order: definition hash, then name.
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].DefinitionHash != nodes[j].DefinitionHash {
			return nodes[i].DefinitionHash < nodes[j].DefinitionHash
		}
		return nodes[i].Name < nodes[j].Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]bool, len(edges))
	for _, e := range edges {
		from, ok := nodesByName[e.From]
		if !ok {
			return nil, invalidf("edge references unknown task (from): %q", e.From)
		}
		to, ok := nodesByName[e.To]
		if !ok {
			return nil, invalidf("edge references unknown task (to): %q", e.To)
		}
		if from == to {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}
		pair := edgeIndex{from: from.canonicalIndex, to: to.canonicalIndex}
		if seen[pair] {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = true
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		if mapped[i].from != mapped[j].from {
			return mapped[i].from < mapped[j].from
		}
		return mapped[i].to < mapped[j].to
	})

	g := &TaskGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    make([][]int, len(nodes)),
		incoming:    make([][]int, len(nodes)),
		indeg:       make([]int, len(nodes)),
	}
	// mapped is sorted, so adjacency lists come out ascending.
	for _, e := range mapped {
		g.outgoing[e.from] = append(g.outgoing[e.from], e.to)
		g.incoming[e.to] = append(g.incoming[e.to], e.from)
		g.indeg[e.to]++
	}
	for i := range g.incoming {
		sort.Ints(g.incoming[i])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*TaskNode {
	return append([]*TaskNode(nil), g.nodes...)
}

// Edges returns the edges as name pairs in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Depth returns the length of the longest path from any root to name.
func (g *TaskGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			depth[u] = max(depth[u], depth[p]+1)
		}
	}
	return depth
}

// TopologicalOrder returns task names in deterministic dependency order.
func (g *TaskGraph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

// Upstream returns the subgraph made of name and everything it
// transitively depends on.
func (g *TaskGraph) Upstream(name string) (*TaskGraph, error) {
	start, ok := g.nodesByName[name]
	if !ok {
		return nil, invalidf("unknown task: %q", name)
	}
	keep := make([]bool, len(g.nodes))
	stack := []int{start.canonicalIndex}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[u] {
			continue
		}
		keep[u] = true
		stack = append(stack, g.incoming[u]...)
	}

	var tasks []Task
	for i, n := range g.nodes {
		if keep[i] {
			tasks = append(tasks, n.Task)
		}
	}
	var edges []Edge
	for _, e := range g.edges {
		if keep[e.from] && keep[e.to] {
			edges = append(edges, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
		}
	}
	return NewTaskGraph(tasks, edges)
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	f := newFieldHasher()
	f.int(len(g.nodes))
	for _, n := range g.nodes {
		f.field([]byte(n.Name))
		f.field([]byte(n.DefinitionHash))
	}
	f.int(len(g.edges))
	for _, e := range g.edges {
		f.int(e.from)
		f.int(e.to)
	}
	return GraphHash(f.hex())
}
